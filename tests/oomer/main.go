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

package main

import (
	"flag"
	"fmt"
	"os"

	"pythonspeed.dev/gofil/memtrack"
)

// Emits a trace that allocates and never frees, growing the request
// size as it goes. Replaying it with a memory limit is the quickest
// way to see the out-of-memory path end to end:
//
//	go run ./tests/oomer -o oom.trace
//	gofil replay -trace oom.trace -oom -mem-limit 1073741824 -o report

func main() {
	var (
		out   = flag.String("o", "oom.trace", "trace output path")
		start = flag.Uint64("start", 1<<20, "first allocation size in bytes")
		steps = flag.Int("steps", 32, "number of allocations")
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

	fnMain := tw.RegisterFunction("oomer", "main")
	fnBig := tw.RegisterFunction("oomer", "big_alloc")

	tw.CallStartID(1, 0, fnMain, 10)
	size := *start
	addr := uint64(0x10000)
	var total uint64
	for i := 0; i < *steps; i++ {
		tw.CallStartID(1, 20, fnBig, 31)
		tw.Alloc(1, addr, size, 0)
		tw.CallFinish(1)
		addr += size
		total += size
		size += size / 2
	}
	tw.CallFinish(1)

	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "writing trace:", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing trace:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d allocations, %d bytes and climbing\n", *out, *steps, total)
}
