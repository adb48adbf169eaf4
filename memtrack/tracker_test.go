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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCfg = Config{
	MaxTrackedAllocations: 1 << 16,
	MaxCallPaths:          1 << 16,
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(testCfg)
	require.NoError(t, err)
	return tr
}

func peakFolded(t *testing.T, tr *Tracker) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peak.folded")
	require.NoError(t, tr.DumpPeakToFlamegraph(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func liveFolded(t *testing.T, tr *Tracker) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live.folded")
	require.NoError(t, tr.DumpLiveToFlamegraph(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSingleAllocation(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "m", "f", 1)
	th.AddAllocation(0x1000, 100, 0)

	require.Equal(t, uint64(100), tr.TotalLiveBytes())
	require.Equal(t, uint64(100), tr.PeakBytes())
	require.Equal(t, "m.f:1 100\n", peakFolded(t, tr))
}

func TestPeakSurvivesFrees(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "m", "a", 1)
	th.AddAllocation(0x10, 100, 0)
	th.FinishCall()
	th.StartCall(0, "m", "b", 2)
	th.AddAllocation(0x20, 50, 0)
	th.FinishCall()

	require.Equal(t, uint64(150), tr.PeakBytes())

	tr.FreeAllocation(0x10)
	tr.FreeAllocation(0x20)
	require.Equal(t, uint64(0), tr.TotalLiveBytes())
	require.Equal(t, uint64(150), tr.PeakBytes())

	// The peak snapshot still carries both paths.
	require.Equal(t, "m.a:1 100\nm.b:2 50\n", peakFolded(t, tr))
}

func TestPeakTieKeepsFirst(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "m", "first", 1)
	th.AddAllocation(0x10, 100, 0)
	tr.FreeAllocation(0x10)
	th.FinishCall()

	// A second climb to exactly the same total must not replace the
	// snapshot.
	th.StartCall(0, "m", "second", 2)
	th.AddAllocation(0x20, 100, 0)
	require.Equal(t, uint64(100), tr.PeakBytes())
	require.Equal(t, uint64(1), tr.Stats().PeakUpdates)
	require.Equal(t, "m.first:1 100\n", peakFolded(t, tr))

	// One byte more does.
	th.AddAllocation(0x30, 1, 0)
	require.Equal(t, uint64(101), tr.PeakBytes())
	require.Equal(t, uint64(2), tr.Stats().PeakUpdates)
	require.Equal(t, "m.second:2 101\n", peakFolded(t, tr))
}

func TestStaleAddressReuse(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "m", "a", 1)
	th.AddAllocation(0x1000, 100, 0)
	th.FinishCall()

	// The allocator handed out the same address again without us
	// seeing the free. The old record must be retired, not leaked.
	th.StartCall(0, "m", "b", 2)
	th.AddAllocation(0x1000, 60, 0)

	require.Equal(t, uint64(60), tr.TotalLiveBytes())
	require.Equal(t, "m.b:2 60\n", liveFolded(t, tr))
	st := tr.Stats()
	require.Equal(t, uint64(2), st.Allocations)
	require.Equal(t, uint64(0), st.UnknownFrees)

	tr.FreeAllocation(0x1000)
	require.Equal(t, uint64(0), tr.TotalLiveBytes())
	require.Equal(t, uint64(1), tr.Stats().Frees)
}

func TestUnknownFreeIgnored(t *testing.T) {
	tr := newTestTracker(t)
	tr.Thread(1).AddAllocation(0x10, 10, 0)

	tr.FreeAllocation(0xdead)
	require.Equal(t, uint64(10), tr.TotalLiveBytes())
	st := tr.Stats()
	require.Equal(t, uint64(1), st.UnknownFrees)
	require.Equal(t, uint64(0), st.Frees)
}

func TestEmptyStackLabel(t *testing.T) {
	tr := newTestTracker(t)
	tr.Thread(1).AddAllocation(0x10, 42, 0)
	require.Equal(t, "[no call stack] 42\n", peakFolded(t, tr))
}

func TestLedgerExhaustionDropsAllocation(t *testing.T) {
	cfg := testCfg
	cfg.MaxTrackedAllocations = 4
	tr, err := New(cfg)
	require.NoError(t, err)
	th := tr.Thread(1)
	th.StartCall(0, "m", "f", 1)

	for i := uint64(1); i <= 4; i++ {
		th.AddAllocation(i<<4, 10, 0)
	}
	th.AddAllocation(5<<4, 10, 0) // ledger full, dropped

	require.Equal(t, uint64(40), tr.TotalLiveBytes())
	st := tr.Stats()
	require.Equal(t, uint64(4), st.Allocations)
	require.Equal(t, uint64(1), st.LostAllocations)
	require.Equal(t, uint64(10), st.LostBytes)

	// A free makes room again.
	tr.FreeAllocation(1 << 4)
	th.AddAllocation(5<<4, 10, 0)
	require.Equal(t, uint64(40), tr.TotalLiveBytes())
	require.Equal(t, uint64(1), tr.Stats().LostAllocations)
}

func TestReset(t *testing.T) {
	tr := newTestTracker(t)
	fn := tr.RegisterFunction("m", "f")
	th := tr.Thread(1)
	th.StartCallID(0, fn, 1)
	th.AddAllocation(0x10, 100, 0)
	require.NotZero(t, tr.PeakBytes())

	tr.Reset()
	require.Zero(t, tr.TotalLiveBytes())
	require.Zero(t, tr.PeakBytes())
	require.Equal(t, Stats{}, tr.Stats())
	require.Equal(t, "", peakFolded(t, tr))

	// Cached function ids and the thread's stack stay usable.
	th.AddAllocation(0x20, 25, 0)
	require.Equal(t, uint64(25), tr.TotalLiveBytes())
	require.Equal(t, "m.f:1 25\n", peakFolded(t, tr))

	// The pre-reset allocation is gone from the ledger.
	tr.FreeAllocation(0x10)
	require.Equal(t, uint64(1), tr.Stats().UnknownFrees)
}

func TestStopTracking(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.AddAllocation(0x10, 10, 0)

	tr.StopTracking()
	require.False(t, tr.Tracking())
	th.AddAllocation(0x20, 10, 0)
	tr.FreeAllocation(0x10)
	require.Equal(t, uint64(10), tr.TotalLiveBytes())

	tr.StartTracking()
	tr.FreeAllocation(0x10)
	require.Zero(t, tr.TotalLiveBytes())
}

func TestMmapAccounting(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "m", "mapper", 3)
	th.AddAnonMmap(0x10000, 0x1000, 0)
	require.Equal(t, uint64(0x1000), tr.TotalLiveBytes())

	// Unmapping the middle leaves both edges live.
	tr.FreeAnonMmap(0x10400, 0x400)
	require.Equal(t, uint64(0xc00), tr.TotalLiveBytes())
	st := tr.Stats()
	require.Equal(t, uint64(1), st.Mmaps)
	require.Equal(t, uint64(1), st.Munmaps)

	// Unmapping a hole is a no-op.
	tr.FreeAnonMmap(0x20000, 0x100)
	require.Equal(t, uint64(0xc00), tr.TotalLiveBytes())
	require.Equal(t, uint64(1), tr.Stats().Munmaps)

	// Mapping over live ranges retires the overlap first.
	th.AddAnonMmap(0x10000, 0x1000, 0)
	require.Equal(t, uint64(0x1000), tr.TotalLiveBytes())
}

func TestThreadHandles(t *testing.T) {
	tr := newTestTracker(t)
	require.Same(t, tr.Thread(5), tr.Thread(5))
	require.NotSame(t, tr.Thread(5), tr.Thread(6))
	require.Equal(t, uint64(5), tr.Thread(5).ID())
}

func TestDumpRepeatable(t *testing.T) {
	tr := newTestTracker(t)
	th := tr.Thread(1)
	th.StartCall(0, "app", "main", 1)
	th.StartCall(2, "parser", "parse", 10)
	th.AddAllocation(0x10, 4096, 0)
	th.FinishCall()
	th.AddAllocation(0x20, 512, 0)
	tr.FreeAllocation(0x20)

	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.folded")
	p2 := filepath.Join(dir, "two.folded")
	require.NoError(t, tr.DumpPeakToFlamegraph(p1))
	require.NoError(t, tr.DumpPeakToFlamegraph(p2))

	d1, err := os.ReadFile(p1)
	require.NoError(t, err)
	d2, err := os.ReadFile(p2)
	require.NoError(t, err)
	require.NotEmpty(t, d1)
	require.Equal(t, d1, d2)
}

func TestConcurrentThreads(t *testing.T) {
	tr := newTestTracker(t)
	const workers = 8
	const perWorker = 2000
	livePath := filepath.Join(t.TempDir(), "live.folded")

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			th := tr.Thread(id)
			th.StartCall(0, "worker", "run", uint16(id))
			for i := 0; i < perWorker; i++ {
				addr := id<<32 | uint64(i+1)<<4
				th.AddAllocation(addr, 16, 0)
				if i%2 == 1 {
					tr.FreeAllocation(addr)
				}
			}
			th.FinishCall()
		}(uint64(w + 1))
	}

	// Dump concurrently with the event stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if err := tr.DumpLiveToFlamegraph(livePath); err != nil {
				t.Errorf("live dump: %v", err)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	require.Equal(t, uint64(workers*perWorker/2*16), tr.TotalLiveBytes())
	st := tr.Stats()
	require.Equal(t, uint64(workers*perWorker), st.Allocations)
	require.Equal(t, uint64(workers*perWorker/2), st.Frees)
	require.Zero(t, st.LostAllocations)
}

func BenchmarkAllocFree(b *testing.B) {
	tr, err := New(Config{MaxTrackedAllocations: 1 << 16})
	if err != nil {
		b.Fatal(err)
	}
	th := tr.Thread(1)
	th.StartCall(0, "bench", "hot", 1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := uint64(i%1024+1) << 4
		th.AddAllocation(addr, 64, 0)
		tr.FreeAllocation(addr)
	}
}
