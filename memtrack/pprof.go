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
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// profileLocked converts a snapshot into a pprof profile. Each call
// path holding directly attributed bytes becomes one sample with its
// locations leaf-first, the order pprof expects. Caller holds the
// tracker lock.
func (t *Tracker) profileLocked(snap []PathUsage, when time.Time) *profile.Profile {
	prof := &profile.Profile{
		DefaultSampleType: "inuse_space",
		SampleType: []*profile.ValueType{
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	if !when.IsZero() {
		prof.TimeNanos = when.UnixNano()
	}

	vals := make([]uint64, len(t.tree.nodes))
	for _, u := range snap {
		if int(u.Path) < len(vals) {
			vals[u.Path] = u.Bytes
		}
	}

	locationMap := make(map[Frame]*profile.Location)
	functionMap := make(map[FunctionID]*profile.Function)
	nextLocationID := uint64(1)
	nextFunctionID := uint64(1)

	function := func(id FunctionID) *profile.Function {
		if fn, ok := functionMap[id]; ok {
			return fn
		}
		name := t.funcs.name(id)
		fn := &profile.Function{
			ID:         nextFunctionID,
			Name:       name.module + "." + name.function,
			SystemName: name.function,
			Filename:   name.module,
		}
		nextFunctionID++
		functionMap[id] = fn
		prof.Function = append(prof.Function, fn)
		return fn
	}
	location := func(f Frame) *profile.Location {
		if loc, ok := locationMap[f]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:   nextLocationID,
			Line: []profile.Line{{Function: function(f.Function), Line: int64(f.Line)}},
		}
		nextLocationID++
		locationMap[f] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	// Allocations with no call stack get one synthetic frame so they
	// stay visible in pprof tooling.
	var noStack *profile.Location
	noStackLoc := func() *profile.Location {
		if noStack == nil {
			fn := &profile.Function{ID: nextFunctionID, Name: noStackLabel}
			nextFunctionID++
			prof.Function = append(prof.Function, fn)
			noStack = &profile.Location{
				ID:   nextLocationID,
				Line: []profile.Line{{Function: fn}},
			}
			nextLocationID++
			prof.Location = append(prof.Location, noStack)
		}
		return noStack
	}

	var stack []*profile.Location
	var walk func(id PathID)
	walk = func(id PathID) {
		n := &t.tree.nodes[id]
		if id != rootPath {
			stack = append(stack, location(n.frame))
		}
		direct := vals[id]
		for _, c := range n.children {
			direct -= vals[c]
		}
		if direct > 0 {
			var locs []*profile.Location
			if len(stack) == 0 {
				locs = []*profile.Location{noStackLoc()}
			} else {
				locs = make([]*profile.Location, len(stack))
				for i := range stack {
					locs[i] = stack[len(stack)-1-i]
				}
			}
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: locs,
				Value:    []int64{int64(direct)},
			})
		}
		for _, c := range n.children {
			if vals[c] != 0 {
				walk(c)
			}
		}
		if id != rootPath {
			stack = stack[:len(stack)-1]
		}
	}
	if vals[rootPath] != 0 {
		walk(rootPath)
	}
	return prof
}

// WriteProfile writes the peak snapshot as a gzipped pprof protobuf.
func (t *Tracker) WriteProfile(w io.Writer) error {
	t.mu.Lock()
	prof := t.profileLocked(t.peak.snap, t.peak.at)
	t.mu.Unlock()
	return prof.Write(w)
}
