package memtrack

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// allocEntry is one live heap allocation. Address zero doubles as the
// empty-slot marker; allocator shims never report a zero address.
type allocEntry struct {
	addr uint64
	size uint64
	path PathID
}

// ledger maps live allocation addresses to their size and call path.
// It is an open-addressed, linear-probed table over a slab reserved at
// construction, so recording or retiring an allocation never touches
// the heap. Capacity is fixed: when the table fills, inserts fail and
// the caller drops the event.
type ledger struct {
	entries []allocEntry
	mask    uint64
	count   int
	maxLive int
}

func newLedger(capacity int) *ledger {
	// Size with headroom above maxLive so probe chains stay short and
	// the probe loop always finds an empty slot.
	size := nextPow2(capacity + capacity/4)
	if size < 16 {
		size = 16
	}
	return &ledger{
		entries: make([]allocEntry, size),
		mask:    uint64(size - 1),
		maxLive: capacity,
	}
}

func nextPow2(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

func hashAddr(addr uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	return xxhash.Sum64(b[:])
}

// insert records a live allocation at addr. If addr is already live,
// the superseded entry comes back in old so the caller can retire its
// bytes first. ok is false when the table is full and the event must
// be dropped.
func (l *ledger) insert(addr, size uint64, path PathID) (old allocEntry, replaced, ok bool) {
	i := hashAddr(addr) & l.mask
	for {
		e := &l.entries[i]
		if e.addr == addr {
			old = *e
			e.size = size
			e.path = path
			return old, true, true
		}
		if e.addr == 0 {
			if l.count >= l.maxLive {
				return allocEntry{}, false, false
			}
			*e = allocEntry{addr: addr, size: size, path: path}
			l.count++
			return allocEntry{}, false, true
		}
		i = (i + 1) & l.mask
	}
}

// remove deletes addr and returns its entry. Unknown addresses report
// ok false. Deletion back-shifts later entries in the probe chain, so
// the table never needs tombstones.
func (l *ledger) remove(addr uint64) (allocEntry, bool) {
	if addr == 0 || l.count == 0 {
		return allocEntry{}, false
	}
	i := hashAddr(addr) & l.mask
	for {
		e := &l.entries[i]
		if e.addr == 0 {
			return allocEntry{}, false
		}
		if e.addr == addr {
			break
		}
		i = (i + 1) & l.mask
	}
	out := l.entries[i]
	j := i
	for {
		j = (j + 1) & l.mask
		e := l.entries[j]
		if e.addr == 0 {
			break
		}
		// An entry may only move back into the freed slot if that
		// does not lift it above its own home slot in the chain.
		if homeInRange(hashAddr(e.addr)&l.mask, i, j) {
			continue
		}
		l.entries[i] = e
		i = j
	}
	l.entries[i] = allocEntry{}
	l.count--
	return out, true
}

// homeInRange reports whether home lies cyclically in (i, j].
func homeInRange(home, i, j uint64) bool {
	if i <= j {
		return home > i && home <= j
	}
	return home > i || home <= j
}

func (l *ledger) len() int {
	return l.count
}

func (l *ledger) reset() {
	clear(l.entries)
	l.count = 0
}
