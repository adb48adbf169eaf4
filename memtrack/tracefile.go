// Copyright 2024-2026 The Gofil Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrack

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Trace files carry the allocator event stream in little-endian binary
// form, so a run can be profiled offline after the process that
// produced it is gone. An 8-byte magic opens the file; records follow,
// each a one-byte opcode plus the reporting thread id and an
// opcode-specific payload. Strings carry a uint16 length prefix.

const traceMagic = "GFTRACE1"

type traceOp uint8

const (
	opAlloc traceOp = iota + 1
	opFree
	opCallStart
	opCallStartID
	opCallFinish
	opSetLine
	opRegisterFunc
	opMmap
	opMunmap
	opSetStack
	opClearStack
	opReset
	opStartTracking
	opStopTracking
)

const maxTraceString = 1<<16 - 1

// TraceWriter encodes allocator events. Write errors stick inside the
// buffered writer: later writes become no-ops and Flush reports the
// first failure, so call sites stay unconditional.
type TraceWriter struct {
	w      *bufio.Writer
	nextID FunctionID
	funcs  map[funcKey]FunctionID
}

// NewTraceWriter writes the trace header to w.
func NewTraceWriter(w io.Writer) (*TraceWriter, error) {
	tw := &TraceWriter{
		w:      bufio.NewWriter(w),
		nextID: unknownFunction + 1,
		funcs:  make(map[funcKey]FunctionID),
	}
	if _, err := tw.w.WriteString(traceMagic); err != nil {
		return nil, fmt.Errorf("writing trace header: %w", err)
	}
	return tw, nil
}

// Flush pushes buffered records to the underlying writer and returns
// the first error encountered so far.
func (tw *TraceWriter) Flush() error {
	return tw.w.Flush()
}

func (tw *TraceWriter) record(op traceOp, tid uint64) {
	tw.w.WriteByte(byte(op))
	tw.u64(tid)
}

func (tw *TraceWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	tw.w.Write(b[:])
}

func (tw *TraceWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	tw.w.Write(b[:])
}

func (tw *TraceWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	tw.w.Write(b[:])
}

func (tw *TraceWriter) str(s string) {
	if len(s) > maxTraceString {
		s = s[:maxTraceString]
	}
	tw.u16(uint16(len(s)))
	tw.w.WriteString(s)
}

// RegisterFunction assigns a stable id to a function and records the
// assignment, deduplicating repeats.
func (tw *TraceWriter) RegisterFunction(module, function string) FunctionID {
	k := funcKey{module: module, function: function}
	if id, ok := tw.funcs[k]; ok {
		return id
	}
	id := tw.nextID
	tw.nextID++
	tw.funcs[k] = id
	tw.record(opRegisterFunc, 0)
	tw.u32(uint32(id))
	tw.str(module)
	tw.str(function)
	return id
}

func (tw *TraceWriter) Alloc(tid, addr, size uint64, line uint16) {
	tw.record(opAlloc, tid)
	tw.u64(addr)
	tw.u64(size)
	tw.u16(line)
}

func (tw *TraceWriter) Free(tid, addr uint64) {
	tw.record(opFree, tid)
	tw.u64(addr)
}

func (tw *TraceWriter) CallStart(tid uint64, parentLine uint16, module, function string, line uint16) {
	tw.record(opCallStart, tid)
	tw.u16(parentLine)
	tw.str(module)
	tw.str(function)
	tw.u16(line)
}

func (tw *TraceWriter) CallStartID(tid uint64, parentLine uint16, fn FunctionID, line uint16) {
	tw.record(opCallStartID, tid)
	tw.u16(parentLine)
	tw.u32(uint32(fn))
	tw.u16(line)
}

func (tw *TraceWriter) CallFinish(tid uint64) {
	tw.record(opCallFinish, tid)
}

func (tw *TraceWriter) SetLine(tid uint64, line uint16) {
	tw.record(opSetLine, tid)
	tw.u16(line)
}

func (tw *TraceWriter) Mmap(tid, addr, size uint64, line uint16) {
	tw.record(opMmap, tid)
	tw.u64(addr)
	tw.u64(size)
	tw.u16(line)
}

func (tw *TraceWriter) Munmap(tid, addr, size uint64) {
	tw.record(opMunmap, tid)
	tw.u64(addr)
	tw.u64(size)
}

func (tw *TraceWriter) SetStack(tid uint64, frames []Frame) {
	if len(frames) > maxTraceString {
		frames = frames[:maxTraceString]
	}
	tw.record(opSetStack, tid)
	tw.u16(uint16(len(frames)))
	for _, f := range frames {
		tw.u32(uint32(f.Function))
		tw.u16(f.Line)
	}
}

func (tw *TraceWriter) ClearStack(tid uint64) {
	tw.record(opClearStack, tid)
}

func (tw *TraceWriter) Reset(tid uint64) {
	tw.record(opReset, tid)
}

func (tw *TraceWriter) StartTracking(tid uint64) {
	tw.record(opStartTracking, tid)
}

func (tw *TraceWriter) StopTracking(tid uint64) {
	tw.record(opStopTracking, tid)
}

type traceFrame struct {
	id   uint32
	line uint16
}

type traceRecord struct {
	op         traceOp
	tid        uint64
	addr       uint64
	size       uint64
	fnID       uint32
	line       uint16
	parentLine uint16
	module     string
	function   string
	frames     []traceFrame
}

// traceDecoder reads fixed-width fields with a sticky error. A clean
// end of stream only ever surfaces at a record boundary; inside a
// record it becomes io.ErrUnexpectedEOF.
type traceDecoder struct {
	r   *bufio.Reader
	err error
	buf [8]byte
}

func (d *traceDecoder) read(n int) []byte {
	if d.err == nil {
		if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			d.err = err
		}
	}
	return d.buf[:n]
}

func (d *traceDecoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *traceDecoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *traceDecoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *traceDecoder) str() string {
	n := int(d.u16())
	if d.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return ""
	}
	return string(b)
}

func (d *traceDecoder) record(rec *traceRecord) error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	rec.op = traceOp(b)
	rec.tid = d.u64()
	switch rec.op {
	case opAlloc, opMmap:
		rec.addr = d.u64()
		rec.size = d.u64()
		rec.line = d.u16()
	case opFree:
		rec.addr = d.u64()
	case opMunmap:
		rec.addr = d.u64()
		rec.size = d.u64()
	case opCallStart:
		rec.parentLine = d.u16()
		rec.module = d.str()
		rec.function = d.str()
		rec.line = d.u16()
	case opCallStartID:
		rec.parentLine = d.u16()
		rec.fnID = d.u32()
		rec.line = d.u16()
	case opSetLine:
		rec.line = d.u16()
	case opRegisterFunc:
		rec.fnID = d.u32()
		rec.module = d.str()
		rec.function = d.str()
	case opSetStack:
		n := int(d.u16())
		rec.frames = rec.frames[:0]
		for i := 0; i < n && d.err == nil; i++ {
			rec.frames = append(rec.frames, traceFrame{id: d.u32(), line: d.u16()})
		}
	case opCallFinish, opClearStack, opReset, opStartTracking, opStopTracking:
	default:
		return fmt.Errorf("unknown record type %d", rec.op)
	}
	return d.err
}

func readTraceHeader(br *bufio.Reader) error {
	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("reading trace header: %w", err)
	}
	if string(magic[:]) != traceMagic {
		return fmt.Errorf("not a gofil trace (bad magic %q)", magic[:])
	}
	return nil
}

// Replay feeds a recorded event stream through t in capture order.
// Function ids are remapped from the writer's numbering to the
// tracker's. The context is checked between records so long replays
// can be cancelled.
func Replay(ctx context.Context, r io.Reader, t *Tracker) error {
	br := bufio.NewReaderSize(r, 1<<20)
	if err := readTraceHeader(br); err != nil {
		return err
	}
	d := &traceDecoder{r: br}
	rec := &traceRecord{}
	idMap := make(map[uint32]FunctionID)
	var n uint64
	for {
		if n%4096 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		err := d.record(rec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("trace record %d: %w", n, err)
		}
		n++
		applyRecord(t, rec, idMap)
	}
}

func applyRecord(t *Tracker, rec *traceRecord, idMap map[uint32]FunctionID) {
	th := t.Thread(rec.tid)
	switch rec.op {
	case opAlloc:
		th.AddAllocation(rec.addr, rec.size, rec.line)
	case opFree:
		t.FreeAllocation(rec.addr)
	case opCallStart:
		th.StartCall(rec.parentLine, rec.module, rec.function, rec.line)
	case opCallStartID:
		th.StartCallID(rec.parentLine, resolveTraceFn(idMap, rec.fnID), rec.line)
	case opCallFinish:
		th.FinishCall()
	case opSetLine:
		th.SetLineNumber(rec.line)
	case opRegisterFunc:
		idMap[rec.fnID] = t.RegisterFunction(rec.module, rec.function)
	case opMmap:
		th.AddAnonMmap(rec.addr, rec.size, rec.line)
	case opMunmap:
		t.FreeAnonMmap(rec.addr, rec.size)
	case opSetStack:
		frames := make([]Frame, len(rec.frames))
		for i, f := range rec.frames {
			frames[i] = Frame{Function: resolveTraceFn(idMap, f.id), Line: f.line}
		}
		th.SetCallstack(Callstack{frames: frames})
	case opClearStack:
		th.ClearCallstack()
	case opReset:
		t.Reset()
	case opStartTracking:
		t.StartTracking()
	case opStopTracking:
		t.StopTracking()
	}
}

func resolveTraceFn(idMap map[uint32]FunctionID, id uint32) FunctionID {
	if fn, ok := idMap[id]; ok {
		return fn
	}
	return unknownFunction
}

// TraceSummary describes the shape of a trace without replaying it
// through an engine.
type TraceSummary struct {
	Records    uint64
	Threads    int
	Functions  int
	AllocCount uint64
	AllocBytes uint64
	FreeCount  uint64
	Mmaps      uint64
	MmapBytes  uint64
	Resets     uint64
}

// SummarizeTrace scans a trace and tallies its records.
func SummarizeTrace(r io.Reader) (TraceSummary, error) {
	var sum TraceSummary
	br := bufio.NewReaderSize(r, 1<<20)
	if err := readTraceHeader(br); err != nil {
		return sum, err
	}
	d := &traceDecoder{r: br}
	rec := &traceRecord{}
	threads := make(map[uint64]struct{})
	for {
		err := d.record(rec)
		if err == io.EOF {
			sum.Threads = len(threads)
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("trace record %d: %w", sum.Records, err)
		}
		sum.Records++
		switch rec.op {
		case opRegisterFunc, opReset, opStartTracking, opStopTracking:
		default:
			threads[rec.tid] = struct{}{}
		}
		switch rec.op {
		case opAlloc:
			sum.AllocCount++
			sum.AllocBytes += rec.size
		case opFree:
			sum.FreeCount++
		case opMmap:
			sum.Mmaps++
			sum.MmapBytes += rec.size
		case opRegisterFunc:
			sum.Functions++
		case opReset:
			sum.Resets++
		}
	}
}
