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

// Emits a trace whose call paths enumerate every ordering of a small
// function set, one allocation per path. Seven functions yield 13699
// distinct paths, which leans hard on path interning and on the
// breadth of the folded output.

const allocSize = 4096

type generator struct {
	tw    *memtrack.TraceWriter
	fns   []memtrack.FunctionID
	addr  uint64
	paths uint64
}

// walk allocates at the current path, then descends into every
// function not already on the stack.
func (g *generator) walk(used uint32) {
	g.addr += allocSize
	g.tw.Alloc(1, g.addr, allocSize, 0)
	g.paths++
	for i, fn := range g.fns {
		if used&(1<<i) != 0 {
			continue
		}
		g.tw.CallStartID(1, 0, fn, 1)
		g.walk(used | 1<<i)
		g.tw.CallFinish(1)
	}
}

func main() {
	var (
		out   = flag.String("o", "deepstack.trace", "trace output path")
		funcs = flag.Int("funcs", 7, "size of the permutation set (max 16)")
	)
	flag.Parse()
	if *funcs < 1 || *funcs > 16 {
		fmt.Fprintln(os.Stderr, "funcs must be between 1 and 16")
		os.Exit(1)
	}

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

	g := &generator{tw: tw}
	for i := 0; i < *funcs; i++ {
		g.fns = append(g.fns, tw.RegisterFunction("deepstack", fmt.Sprintf("func%d", i)))
	}
	for i, fn := range g.fns {
		tw.CallStartID(1, 0, fn, 1)
		g.walk(1 << i)
		tw.CallFinish(1)
	}

	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, "writing trace:", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing trace:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s: %d call paths\n", *out, g.paths)
}
