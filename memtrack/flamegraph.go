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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
)

const frameLabelCacheSize = 8192

// noStackLabel stands in for allocations that arrived with an empty
// call stack.
const noStackLabel = "[no call stack]"

func hashFrameKey(f Frame) uint32 {
	var b [6]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(f.Function))
	binary.LittleEndian.PutUint16(b[4:], f.Line)
	return uint32(xxhash.Sum64(b[:]))
}

// frameLabel formats a frame as module.function:line, memoized because
// real profiles repeat a small working set of frames. Caller holds the
// tracker lock.
func (t *Tracker) frameLabel(f Frame) string {
	if s, ok := t.labels.Get(f); ok {
		return s
	}
	name := t.funcs.name(f.Function)
	s := name.module + "." + name.function + ":" + strconv.Itoa(int(f.Line))
	t.labels.Add(f, s)
	return s
}

// renderFoldedLocked writes one collapsed-stack line per call path
// that holds directly attributed bytes, visiting children in
// first-discovered order. The same snapshot always renders to
// identical bytes.
func (t *Tracker) renderFoldedLocked(w io.Writer, snap []PathUsage, reversed bool) error {
	vals := make([]uint64, len(t.tree.nodes))
	for _, u := range snap {
		if int(u.Path) < len(vals) {
			vals[u.Path] = u.Bytes
		}
	}
	bw := bufio.NewWriter(w)
	labels := make([]string, 0, 64)
	var walk func(id PathID)
	walk = func(id PathID) {
		n := &t.tree.nodes[id]
		if id != rootPath {
			labels = append(labels, t.frameLabel(n.frame))
		}
		direct := vals[id]
		for _, c := range n.children {
			direct -= vals[c]
		}
		if direct > 0 {
			writeFoldedLine(bw, labels, reversed, direct)
		}
		for _, c := range n.children {
			if vals[c] != 0 {
				walk(c)
			}
		}
		if id != rootPath {
			labels = labels[:len(labels)-1]
		}
	}
	if vals[rootPath] != 0 {
		walk(rootPath)
	}
	return bw.Flush()
}

func writeFoldedLine(bw *bufio.Writer, labels []string, reversed bool, bytes uint64) {
	switch {
	case len(labels) == 0:
		bw.WriteString(noStackLabel)
	case reversed:
		for i := len(labels) - 1; i >= 0; i-- {
			if i < len(labels)-1 {
				bw.WriteByte(';')
			}
			bw.WriteString(labels[i])
		}
	default:
		for i, l := range labels {
			if i > 0 {
				bw.WriteByte(';')
			}
			bw.WriteString(l)
		}
	}
	bw.WriteByte(' ')
	bw.WriteString(strconv.FormatUint(bytes, 10))
	bw.WriteByte('\n')
}

// DumpPeakToFlamegraph writes the peak snapshot as folded stacks to
// path. This is the only boundary operation that surfaces I/O errors;
// tracker state is unchanged whether it succeeds or fails.
func (t *Tracker) DumpPeakToFlamegraph(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dumpFoldedLocked(path, t.peak.snap, false)
}

// DumpLiveToFlamegraph writes the current live attribution instead of
// the peak, for mid-run inspection and out-of-memory reports.
func (t *Tracker) DumpLiveToFlamegraph(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dumpFoldedLocked(path, t.tree.appendUsage(nil), false)
}

func (t *Tracker) dumpFoldedLocked(path string, snap []PathUsage, reversed bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating flamegraph file: %w", err)
	}
	werr := t.renderFoldedLocked(f, snap, reversed)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("writing flamegraph %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("writing flamegraph %s: %w", path, cerr)
	}
	log.WithFields(log.Fields{"path": path, "nodes": len(snap)}).Debug("wrote folded stacks")
	return nil
}
