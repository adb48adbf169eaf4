package memtrack

import "sort"

// mmapRange is one live anonymous mapping, attributed to the call path
// that created it.
type mmapRange struct {
	start uint64
	size  uint64
	path  PathID
}

func (r mmapRange) end() uint64 { return r.start + r.size }

// rangeMap tracks live anonymous mappings as a sorted set of
// non-overlapping address ranges. Unmapping part of a range shrinks or
// splits it, and reports exactly which paths lost how many bytes.
// Mapping events are rare next to heap traffic, so this favors clarity
// over allocation-free operation.
type rangeMap struct {
	ranges []mmapRange // sorted by start
}

// removedRange is a portion of live mapping clipped out by an unmap.
type removedRange struct {
	path  PathID
	bytes uint64
}

// add records a mapping. Live ranges overlapping [start, start+size)
// are unmapped first, mirroring MAP_FIXED replacement; the clipped
// portions are returned so the caller can retire their bytes.
func (m *rangeMap) add(start, size uint64, path PathID) []removedRange {
	if size == 0 {
		return nil
	}
	removed := m.remove(start, size)
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].start >= start })
	m.ranges = append(m.ranges, mmapRange{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = mmapRange{start: start, size: size, path: path}
	return removed
}

// remove unmaps [start, start+size). Wholly covered ranges disappear;
// partially covered ones are trimmed or split in place. Unmapping
// address space with no live mapping is a no-op.
func (m *rangeMap) remove(start, size uint64) []removedRange {
	if size == 0 || len(m.ranges) == 0 {
		return nil
	}
	end := start + size
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].end() > start })
	if i == len(m.ranges) || m.ranges[i].start >= end {
		return nil
	}

	var removed []removedRange
	var remnants []mmapRange
	j := i
	for j < len(m.ranges) && m.ranges[j].start < end {
		r := m.ranges[j]
		lo := max(r.start, start)
		hi := min(r.end(), end)
		removed = append(removed, removedRange{path: r.path, bytes: hi - lo})
		if r.start < lo {
			remnants = append(remnants, mmapRange{start: r.start, size: lo - r.start, path: r.path})
		}
		if hi < r.end() {
			remnants = append(remnants, mmapRange{start: hi, size: r.end() - hi, path: r.path})
		}
		j++
	}

	next := make([]mmapRange, 0, i+len(remnants)+len(m.ranges)-j)
	next = append(next, m.ranges[:i]...)
	next = append(next, remnants...)
	next = append(next, m.ranges[j:]...)
	m.ranges = next
	return removed
}

func (m *rangeMap) liveBytes() uint64 {
	var total uint64
	for _, r := range m.ranges {
		total += r.size
	}
	return total
}

func (m *rangeMap) len() int {
	return len(m.ranges)
}

func (m *rangeMap) reset() {
	m.ranges = m.ranges[:0]
}
