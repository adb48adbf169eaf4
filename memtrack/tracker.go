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

// Package memtrack attributes native allocator traffic to the exact
// call path that produced it, keeps a live view of memory use, and
// captures a snapshot at the moment of peak usage for flamegraph
// reporting.
//
// The engine is sampling-free: it expects to see every allocation and
// free, typically delivered by an allocator shim or replayed from a
// recorded trace.
package memtrack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elastic/go-freelru"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Stats counts the events a Tracker has seen and the ones it had to
// drop.
type Stats struct {
	Allocations     uint64 `json:"allocations"`
	Frees           uint64 `json:"frees"`
	UnknownFrees    uint64 `json:"unknown_frees"`
	Mmaps           uint64 `json:"mmaps"`
	Munmaps         uint64 `json:"munmaps"`
	LostAllocations uint64 `json:"lost_allocations"`
	LostBytes       uint64 `json:"lost_bytes"`
	LostFrames      uint64 `json:"lost_frames"`
	PeakUpdates     uint64 `json:"peak_updates"`
}

// Tracker is the profiling engine. One mutex serializes every mutation
// of the shared structures (function registry, call tree, ledgers,
// peak); per-thread call stacks stay outside it. Dropping an event
// never propagates an error to the event source, only dumping does.
type Tracker struct {
	cfg       Config
	sessionID uuid.UUID

	tracking atomic.Bool

	mu       sync.Mutex
	funcs    *funcTable
	tree     *callTree
	heap     *ledger
	mmaps    *rangeMap
	peak     peakState
	stats    Stats
	oom      *oomWatcher
	oomFired bool

	labels *freelru.LRU[Frame, string]

	threads sync.Map // reporting thread id -> *Thread
}

// New builds a Tracker. The allocation ledger's backing memory is
// reserved here, up front.
func New(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	labels, err := freelru.New[Frame, string](frameLabelCacheSize, hashFrameKey)
	if err != nil {
		return nil, fmt.Errorf("creating frame label cache: %w", err)
	}
	t := &Tracker{
		cfg:       cfg,
		sessionID: uuid.New(),
		funcs:     newFuncTable(),
		tree:      newCallTree(cfg.MaxCallPaths),
		heap:      newLedger(cfg.MaxTrackedAllocations),
		mmaps:     &rangeMap{},
		labels:    labels,
	}
	t.tracking.Store(true)
	if cfg.DetectOutOfMemory {
		t.oom = newOOMWatcher(cfg)
	}
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.WithFields(log.Fields{
		"session":     t.sessionID,
		"ledger_size": cfg.MaxTrackedAllocations,
	}).Debug("memory tracker ready")
	return t, nil
}

// Thread returns the handle for a reporting thread id, creating it on
// first use. The handle must only be driven by that thread.
func (t *Tracker) Thread(id uint64) *Thread {
	if v, ok := t.threads.Load(id); ok {
		return v.(*Thread)
	}
	v, _ := t.threads.LoadOrStore(id, &Thread{tracker: t, id: id})
	return v.(*Thread)
}

// RegisterFunction interns a function once so later calls can refer to
// it by id instead of re-sending strings.
func (t *Tracker) RegisterFunction(module, function string) FunctionID {
	t.mu.Lock()
	id := t.funcs.intern(module, function)
	t.mu.Unlock()
	return id
}

// AddAllocation records a live allocation at addr, attributed to the
// thread's current call path. line, when nonzero, first updates the
// top frame. Address zero is ignored; allocators never report one.
func (th *Thread) AddAllocation(addr, size uint64, line uint16) {
	t := th.tracker
	if addr == 0 || !t.tracking.Load() {
		return
	}
	t.mu.Lock()
	path := th.pathLocked(line)
	old, replaced, ok := t.heap.insert(addr, size, path)
	if !ok {
		t.stats.LostAllocations++
		t.stats.LostBytes += size
		t.mu.Unlock()
		return
	}
	if replaced {
		// The allocator reused an address whose free we never saw;
		// the stale record is retired before the new one lands.
		t.tree.attribute(old.path, -int64(old.size))
	}
	t.tree.attribute(path, int64(size))
	t.stats.Allocations++
	if t.peak.observe(t.tree) {
		t.stats.PeakUpdates++
	}
	fire := t.oomCheckLocked(size)
	t.mu.Unlock()
	if fire {
		t.fireOOM()
	}
}

// FreeAllocation retires the allocation at addr. Addresses the ledger
// does not know are ignored: frees of memory obtained before tracking
// started are expected traffic.
func (t *Tracker) FreeAllocation(addr uint64) {
	if addr == 0 || !t.tracking.Load() {
		return
	}
	t.mu.Lock()
	e, ok := t.heap.remove(addr)
	if !ok {
		t.stats.UnknownFrees++
		t.mu.Unlock()
		return
	}
	t.tree.attribute(e.path, -int64(e.size))
	t.stats.Frees++
	t.mu.Unlock()
}

// AddAnonMmap records an anonymous mapping attributed to the thread's
// current call path. Live mappings overlapping the new range are
// replaced, as with MAP_FIXED.
func (th *Thread) AddAnonMmap(addr, size uint64, line uint16) {
	t := th.tracker
	if size == 0 || !t.tracking.Load() {
		return
	}
	t.mu.Lock()
	path := th.pathLocked(line)
	for _, r := range t.mmaps.add(addr, size, path) {
		t.tree.attribute(r.path, -int64(r.bytes))
	}
	t.tree.attribute(path, int64(size))
	t.stats.Mmaps++
	if t.peak.observe(t.tree) {
		t.stats.PeakUpdates++
	}
	fire := t.oomCheckLocked(size)
	t.mu.Unlock()
	if fire {
		t.fireOOM()
	}
}

// FreeAnonMmap unmaps [addr, addr+size), which may cover all, part, or
// none of one or several live mappings.
func (t *Tracker) FreeAnonMmap(addr, size uint64) {
	if size == 0 || !t.tracking.Load() {
		return
	}
	t.mu.Lock()
	removed := t.mmaps.remove(addr, size)
	for _, r := range removed {
		t.tree.attribute(r.path, -int64(r.bytes))
	}
	if len(removed) > 0 {
		t.stats.Munmaps++
	}
	t.mu.Unlock()
}

// Reset discards live records, the peak, and the counters, giving the
// engine a clean slate for the next measurement phase. Interned
// functions and paths survive, so ids cached by the embedder stay
// valid.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.tree.zero()
	t.heap.reset()
	t.mmaps.reset()
	t.peak.clear()
	t.stats = Stats{}
	t.oomFired = false
	if t.oom != nil {
		t.oom.rearm()
	}
	t.mu.Unlock()
	log.WithField("session", t.sessionID).Debug("tracker state reset")
}

// StopTracking makes allocation events no-ops until StartTracking.
// Call stacks are still maintained, so a later restart attributes
// correctly.
func (t *Tracker) StopTracking() {
	t.tracking.Store(false)
}

// StartTracking re-enables allocation tracking.
func (t *Tracker) StartTracking() {
	t.tracking.Store(true)
}

// Tracking reports whether allocation events are currently recorded.
func (t *Tracker) Tracking() bool {
	return t.tracking.Load()
}

// TotalLiveBytes returns the bytes currently attributed across heap
// allocations and anonymous mappings.
func (t *Tracker) TotalLiveBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.total()
}

// PeakBytes returns the largest total ever observed.
func (t *Tracker) PeakBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak.bytes
}

// Stats returns a copy of the event counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// SessionID identifies this tracker instance in logs and manifests.
func (t *Tracker) SessionID() string {
	return t.sessionID.String()
}

func (t *Tracker) oomCheckLocked(size uint64) bool {
	if t.oom == nil || t.oomFired || !t.oom.shouldTrigger(t.tree.total(), size) {
		return false
	}
	t.oomFired = true
	return true
}

func (t *Tracker) fireOOM() {
	t.tracking.Store(false)
	log.WithFields(log.Fields{
		"session": t.sessionID,
		"live":    t.TotalLiveBytes(),
	}).Warn("available memory nearly exhausted, stopping profile")
	if cb := t.cfg.OnOutOfMemory; cb != nil {
		cb(t)
	}
}
