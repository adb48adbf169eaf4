package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"pythonspeed.dev/gofil/memtrack"
)

// Generates a synthetic allocator trace with a known shape: worker
// threads ramp up to a shared peak, then free faster than they
// allocate, one thread maps and partially unmaps an anonymous region,
// and a spawned helper inherits its parent's stack. Useful fodder for
// "gofil replay" and for eyeballing reports.

func main() {
	var (
		out     = flag.String("o", "workload.trace", "trace output path")
		threads = flag.Int("threads", 4, "worker threads to simulate")
		allocs  = flag.Int("allocs", 50000, "allocations per thread")
		seed    = flag.Int64("seed", 1, "rng seed")
	)
	flag.Parse()

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "creating trace:", err)
		os.Exit(1)
	}
	tw, err := memtrack.NewTraceWriter(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "starting trace:", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	writeWorkload(tw, rng, *threads, *allocs)

	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "writing trace:", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing trace:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d threads x %d allocations\n", *out, *threads, *allocs)
}

func writeWorkload(tw *memtrack.TraceWriter, rng *rand.Rand, threads, allocs int) {
	fnMain := tw.RegisterFunction("app", "main")
	fnLoad := tw.RegisterFunction("app", "load_data")
	fnParse := tw.RegisterFunction("parser", "parse")
	fnToken := tw.RegisterFunction("parser", "tokenize")
	fnCache := tw.RegisterFunction("cache", "fill")
	fnSpawn := tw.RegisterFunction("app", "spawn_worker")

	type worker struct {
		tid  uint64
		live []uint64
	}
	ws := make([]*worker, threads)
	for i := range ws {
		tid := uint64(i + 1)
		ws[i] = &worker{tid: tid}
		tw.CallStartID(tid, 0, fnMain, 10)
	}

	addr := func(tid uint64, n int) uint64 {
		return tid<<32 | uint64(n+1)<<4
	}

	for i := 0; i < allocs; i++ {
		for _, w := range ws {
			tw.CallStartID(w.tid, 20, fnLoad, 31)
			switch i % 3 {
			case 0:
				tw.CallStartID(w.tid, 33, fnParse, 40)
				tw.SetLine(w.tid, 41+uint16(rng.Intn(3)))
			case 1:
				tw.CallStartID(w.tid, 34, fnToken, 50)
			default:
				tw.CallStartID(w.tid, 35, fnCache, 60)
			}

			a := addr(w.tid, i)
			// Now and then hit a still-live address, the way a fast
			// malloc/free cycle looks when the free event was lost.
			if i%97 == 96 && len(w.live) > 0 {
				a = w.live[rng.Intn(len(w.live))]
			}
			size := uint64(16 + rng.Intn(4096))
			tw.Alloc(w.tid, a, size, 0)
			w.live = append(w.live, a)
			tw.CallFinish(w.tid)
			tw.CallFinish(w.tid)

			// Past the ramp, free faster than we allocate so the
			// mid-run peak stands.
			if i > allocs/2 {
				for k := 0; k < 2 && len(w.live) > 0; k++ {
					j := rng.Intn(len(w.live))
					tw.Free(w.tid, w.live[j])
					w.live[j] = w.live[len(w.live)-1]
					w.live = w.live[:len(w.live)-1]
				}
			}
		}
	}

	// One worker owns an anonymous mapping and gives half back.
	m := ws[0]
	tw.CallStartID(m.tid, 21, fnLoad, 70)
	base := uint64(1) << 40
	tw.Mmap(m.tid, base, 8<<20, 71)
	tw.Munmap(m.tid, base+2<<20, 4<<20)
	tw.CallFinish(m.tid)

	// A spawned helper inherits its parent's stack, allocates, exits.
	helper := uint64(1000)
	tw.SetStack(helper, []memtrack.Frame{
		{Function: fnMain, Line: 10},
		{Function: fnSpawn, Line: 80},
	})
	tw.Alloc(helper, addr(helper, 0), 64<<10, 81)
	tw.Free(helper, addr(helper, 0))
	tw.ClearStack(helper)

	for _, w := range ws {
		tw.CallFinish(w.tid)
	}
}
