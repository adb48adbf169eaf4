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

package memtrack_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pythonspeed.dev/gofil/memtrack"
)

func buildTracker(t *testing.T, cfg memtrack.Config) *memtrack.Tracker {
	t.Helper()
	tr, err := memtrack.New(cfg)
	require.NoError(t, err)
	return tr
}

func dumpLive(t *testing.T, tr *memtrack.Tracker) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live.folded")
	require.NoError(t, tr.DumpLiveToFlamegraph(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// TestReplayMatchesDirect writes an event stream to a trace, replays
// it into a fresh engine, and checks that the result is
// indistinguishable from driving an engine with the same events
// directly.
func TestReplayMatchesDirect(t *testing.T) {
	var buf bytes.Buffer
	tw, err := memtrack.NewTraceWriter(&buf)
	require.NoError(t, err)

	fnMain := tw.RegisterFunction("app", "main")
	fnWork := tw.RegisterFunction("app", "work")

	tw.CallStartID(1, 0, fnMain, 10)
	tw.CallStartID(1, 12, fnWork, 20)
	tw.Alloc(1, 0x1000, 256, 21)
	tw.Alloc(1, 0x2000, 128, 23)
	tw.Free(1, 0x2000)
	tw.CallFinish(1)
	tw.Alloc(1, 0x3000, 64, 14)
	tw.Mmap(2, 0x100000, 4096, 0)
	tw.Munmap(2, 0x100000, 1024)
	tw.SetStack(3, []memtrack.Frame{{Function: fnMain, Line: 12}})
	tw.Alloc(3, 0x4000, 32, 0)
	require.NoError(t, tw.Flush())

	// The same events, applied by hand.
	direct := buildTracker(t, memtrack.Config{})
	dm := direct.RegisterFunction("app", "main")
	dw := direct.RegisterFunction("app", "work")
	th := direct.Thread(1)
	th.StartCallID(0, dm, 10)
	th.StartCallID(12, dw, 20)
	th.AddAllocation(0x1000, 256, 21)
	th.AddAllocation(0x2000, 128, 23)
	direct.FreeAllocation(0x2000)
	th.FinishCall()
	th.AddAllocation(0x3000, 64, 14)
	th2 := direct.Thread(2)
	th2.AddAnonMmap(0x100000, 4096, 0)
	direct.FreeAnonMmap(0x100000, 1024)
	th3 := direct.Thread(3)
	th3.StartCallID(0, dm, 12)
	th3.AddAllocation(0x4000, 32, 0)

	replayed := buildTracker(t, memtrack.Config{})
	require.NoError(t, memtrack.Replay(context.Background(), bytes.NewReader(buf.Bytes()), replayed))

	require.Equal(t, direct.TotalLiveBytes(), replayed.TotalLiveBytes())
	require.Equal(t, direct.PeakBytes(), replayed.PeakBytes())
	require.Equal(t, direct.Stats(), replayed.Stats())
	require.Equal(t, dumpLive(t, direct), dumpLive(t, replayed))
}

func TestSummarizeTrace(t *testing.T) {
	var buf bytes.Buffer
	tw, err := memtrack.NewTraceWriter(&buf)
	require.NoError(t, err)

	fn := tw.RegisterFunction("app", "main")
	tw.RegisterFunction("app", "main") // deduplicated, no extra record
	tw.CallStartID(1, 0, fn, 10)
	tw.Alloc(1, 0x10, 100, 0)
	tw.Alloc(2, 0x20, 50, 0)
	tw.Free(1, 0x10)
	tw.Mmap(3, 0x1000, 4096, 0)
	tw.Reset(0)
	require.NoError(t, tw.Flush())

	sum, err := memtrack.SummarizeTrace(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, uint64(7), sum.Records)
	require.Equal(t, 3, sum.Threads)
	require.Equal(t, 1, sum.Functions)
	require.Equal(t, uint64(2), sum.AllocCount)
	require.Equal(t, uint64(150), sum.AllocBytes)
	require.Equal(t, uint64(1), sum.FreeCount)
	require.Equal(t, uint64(1), sum.Mmaps)
	require.Equal(t, uint64(4096), sum.MmapBytes)
	require.Equal(t, uint64(1), sum.Resets)
}

func TestReplayTruncated(t *testing.T) {
	var buf bytes.Buffer
	tw, err := memtrack.NewTraceWriter(&buf)
	require.NoError(t, err)
	tw.Alloc(1, 0x10, 100, 0)
	tw.Alloc(1, 0x20, 50, 0)
	require.NoError(t, tw.Flush())

	data := buf.Bytes()
	tr := buildTracker(t, memtrack.Config{})
	err = memtrack.Replay(context.Background(), bytes.NewReader(data[:len(data)-3]), tr)
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Records before the cut were applied.
	require.Equal(t, uint64(100), tr.TotalLiveBytes())
}

func TestReplayBadMagic(t *testing.T) {
	tr := buildTracker(t, memtrack.Config{})
	err := memtrack.Replay(context.Background(), strings.NewReader("NOTATRACE-o-o-o"), tr)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad magic")
}

func TestReplayCancelled(t *testing.T) {
	var buf bytes.Buffer
	tw, err := memtrack.NewTraceWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, tw.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := buildTracker(t, memtrack.Config{})
	err = memtrack.Replay(ctx, bytes.NewReader(buf.Bytes()), tr)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReplayUnknownFunctionID(t *testing.T) {
	var buf bytes.Buffer
	tw, err := memtrack.NewTraceWriter(&buf)
	require.NoError(t, err)
	// References an id no opRegisterFunc record ever assigned.
	tw.CallStartID(1, 0, memtrack.FunctionID(77), 5)
	tw.Alloc(1, 0x10, 10, 0)
	require.NoError(t, tw.Flush())

	tr := buildTracker(t, memtrack.Config{})
	require.NoError(t, memtrack.Replay(context.Background(), bytes.NewReader(buf.Bytes()), tr))
	require.Equal(t, uint64(10), tr.TotalLiveBytes())
	require.Equal(t, "<unknown>.<unknown>:5 10\n", dumpLive(t, tr))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestTraceWriterStickyError(t *testing.T) {
	tw, err := memtrack.NewTraceWriter(failingWriter{})
	require.NoError(t, err) // header is still buffered at this point

	tw.Alloc(1, 0x10, 16, 0)
	require.Error(t, tw.Flush())
	require.Error(t, tw.Flush())
}
