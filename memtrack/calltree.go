package memtrack

import "time"

// PathID identifies a canonical call path: a chain of frames from the
// outermost call down to some frame. The zero PathID is the empty path.
type PathID uint32

const rootPath PathID = 0

type pathKey struct {
	parent PathID
	frame  Frame
}

type treeNode struct {
	parent   PathID
	frame    Frame
	children []PathID // first-discovered order; drives report ordering
	live     uint64   // live bytes attributed to this path or any extension of it
}

// callTree hash-conses call paths and aggregates live bytes per path.
// A node's live count covers its whole subtree, so the root carries the
// total across all tracked memory. Access happens under the Tracker
// mutex.
type callTree struct {
	nodes    []treeNode
	index    map[pathKey]PathID
	maxNodes int
}

func newCallTree(maxPaths int) *callTree {
	t := &callTree{index: make(map[pathKey]PathID), maxNodes: maxPaths}
	t.nodes = append(t.nodes, treeNode{})
	return t
}

// child interns parent extended by f. When the tree is at capacity the
// parent comes back unchanged with ok false; callers fold the frame
// into its prefix and count the loss.
func (t *callTree) child(parent PathID, f Frame) (id PathID, ok bool) {
	k := pathKey{parent: parent, frame: f}
	if id, ok := t.index[k]; ok {
		return id, true
	}
	if t.maxNodes > 0 && len(t.nodes) >= t.maxNodes {
		return parent, false
	}
	id = PathID(len(t.nodes))
	t.nodes = append(t.nodes, treeNode{parent: parent, frame: f})
	t.index[k] = id
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	return id, true
}

// attribute applies delta to every node from id up to the root.
func (t *callTree) attribute(id PathID, delta int64) {
	for {
		n := &t.nodes[id]
		n.live = uint64(int64(n.live) + delta)
		if id == rootPath {
			return
		}
		id = n.parent
	}
}

func (t *callTree) total() uint64 {
	return t.nodes[rootPath].live
}

// zero clears every aggregate but keeps the interned structure, so
// PathIDs cached by threads stay valid across Reset.
func (t *callTree) zero() {
	for i := range t.nodes {
		t.nodes[i].live = 0
	}
}

// PathUsage is one nonzero call-tree node captured by a snapshot.
type PathUsage struct {
	Path  PathID
	Bytes uint64
}

// appendUsage appends every node whose aggregate is nonzero to dst, in
// node-creation order.
func (t *callTree) appendUsage(dst []PathUsage) []PathUsage {
	for id := range t.nodes {
		if b := t.nodes[id].live; b != 0 {
			dst = append(dst, PathUsage{Path: PathID(id), Bytes: b})
		}
	}
	return dst
}

// peakState remembers the largest total ever observed together with a
// sparse copy of the call-tree aggregates from that moment.
type peakState struct {
	bytes uint64
	at    time.Time
	snap  []PathUsage
}

// observe records a new peak when the current total strictly exceeds
// the previous one. An equal total keeps the earlier snapshot.
func (p *peakState) observe(t *callTree) bool {
	total := t.total()
	if total <= p.bytes {
		return false
	}
	p.bytes = total
	p.at = time.Now()
	p.snap = t.appendUsage(p.snap[:0])
	return true
}

func (p *peakState) clear() {
	p.bytes = 0
	p.at = time.Time{}
	p.snap = p.snap[:0]
}
