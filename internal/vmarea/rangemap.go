package vmarea

import (
	"fmt"
	"sort"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
)

// RangeMap is an ordered map keyed by range start, holding disjoint
// [start, end) intervals, per spec section 4.4 ("Data structure: a range
// map — an ordered map keyed by range start, with each node storing
// {end, area}"). Biscuit's own Vmregion_t body was trimmed from the
// retrieval pack (only its call sites survive in vm/as.go), so this is a
// fresh implementation sized to what a hosted Go program has available: a
// sorted slice searched with sort.Search rather than a balanced tree,
// since biscuit itself avoids third-party container libraries everywhere
// else in the pack.
type RangeMap[V any] struct {
	starts []memory.VirtAddr
	ends   []memory.VirtAddr
	vals   []V
}

// lowerBound returns the index of the first entry whose start is >= addr.
func (m *RangeMap[V]) lowerBound(addr memory.VirtAddr) int {
	return sort.Search(len(m.starts), func(i int) bool { return m.starts[i] >= addr })
}

// containingIndex returns the index of the entry containing addr, or -1.
func (m *RangeMap[V]) containingIndex(addr memory.VirtAddr) int {
	i := m.lowerBound(addr)
	if i < len(m.starts) && m.starts[i] == addr {
		return i
	}
	if i > 0 && addr < m.ends[i-1] {
		return i - 1
	}
	return -1
}

// Lookup returns the entry containing addr, if any.
func (m *RangeMap[V]) Lookup(addr memory.VirtAddr) (v V, start, end memory.VirtAddr, ok bool) {
	i := m.containingIndex(addr)
	if i < 0 {
		return v, 0, 0, false
	}
	return m.vals[i], m.starts[i], m.ends[i], true
}

// Overlaps reports whether [start, end) intersects any existing entry.
func (m *RangeMap[V]) Overlaps(start, end memory.VirtAddr) bool {
	i := m.lowerBound(start)
	// The entry immediately before start may still extend past it.
	if i > 0 && m.ends[i-1] > start {
		return true
	}
	return i < len(m.starts) && m.starts[i] < end
}

// Insert adds [start, end) -> v. It returns EINVAL for an empty or
// inverted range and ENOMEM if the range overlaps an existing entry,
// preserving the invariant spec section 4.4 and
// section 8 require: "for any two entries (a1,b1), (a2,b2) with a1 < a2,
// b1 <= a2".
func (m *RangeMap[V]) Insert(start, end memory.VirtAddr, v V) error {
	if start >= end {
		return fmt.Errorf("vmarea: %w: empty or inverted range [%#x, %#x)", errno.EINVAL, start, end)
	}
	if m.Overlaps(start, end) {
		return fmt.Errorf("vmarea: %w: [%#x, %#x) overlaps an existing area", errno.ENOMEM, start, end)
	}
	i := m.lowerBound(start)
	m.starts = append(m.starts, 0)
	copy(m.starts[i+1:], m.starts[i:])
	m.starts[i] = start
	m.ends = append(m.ends, 0)
	copy(m.ends[i+1:], m.ends[i:])
	m.ends[i] = end
	var zero V
	m.vals = append(m.vals, zero)
	copy(m.vals[i+1:], m.vals[i:])
	m.vals[i] = v
	return nil
}

// RemoveAt deletes the entry at index i.
func (m *RangeMap[V]) RemoveAt(i int) {
	m.starts = append(m.starts[:i], m.starts[i+1:]...)
	m.ends = append(m.ends[:i], m.ends[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
}

// RemoveStart deletes the entry whose start exactly equals start.
func (m *RangeMap[V]) RemoveStart(start memory.VirtAddr) (v V, ok bool) {
	i := m.lowerBound(start)
	if i < len(m.starts) && m.starts[i] == start {
		v = m.vals[i]
		m.RemoveAt(i)
		return v, true
	}
	return v, false
}

// Len returns the number of entries.
func (m *RangeMap[V]) Len() int { return len(m.starts) }

// At returns the i'th entry in ascending order of start.
func (m *RangeMap[V]) At(i int) (start, end memory.VirtAddr, v V) {
	return m.starts[i], m.ends[i], m.vals[i]
}

// EntriesIn returns the indices of every entry intersecting [start, end).
func (m *RangeMap[V]) EntriesIn(start, end memory.VirtAddr) []int {
	var idx []int
	for i := range m.starts {
		if m.starts[i] < end && m.ends[i] > start {
			idx = append(idx, i)
		}
	}
	return idx
}

// ReplaceAt overwrites the bounds and value of the entry at index i
// in-place, used when splitting/shrinking an area without changing its
// relative position.
func (m *RangeMap[V]) ReplaceAt(i int, start, end memory.VirtAddr, v V) {
	m.starts[i] = start
	m.ends[i] = end
	m.vals[i] = v
}

// FindFreeAscending finds the first free sub-range of size >= size within
// [segStart, segEnd), scanning from the low end, per spec section 4.4's
// insert_mmap_* "finds the first free sub-range ... of size >= size".
func (m *RangeMap[V]) FindFreeAscending(segStart, segEnd memory.VirtAddr, size uint64) (memory.VirtAddr, bool) {
	cursor := segStart
	i := m.lowerBound(segStart)
	for ; i < len(m.starts) && m.starts[i] < segEnd; i++ {
		if uint64(m.starts[i]-cursor) >= size {
			return cursor, true
		}
		if m.ends[i] > cursor {
			cursor = m.ends[i]
		}
	}
	if uint64(segEnd-cursor) >= size {
		return cursor, true
	}
	return 0, false
}

// FindFreeDescending finds a free sub-range of size >= size within
// [segStart, segEnd), preferring the highest available address, for
// segments that grow toward lower addresses (the user stack segment,
// spec section 4.4's alloc_stack).
func (m *RangeMap[V]) FindFreeDescending(segStart, segEnd memory.VirtAddr, size uint64) (memory.VirtAddr, bool) {
	cursor := segEnd
	i := m.lowerBound(segStart)
	end := len(m.starts)
	for idx := end - 1; idx >= i; idx-- {
		if m.starts[idx] >= segEnd {
			continue
		}
		if uint64(cursor-m.ends[idx]) >= size {
			return cursor - memory.VirtAddr(size), true
		}
		if m.starts[idx] < cursor {
			cursor = m.starts[idx]
		}
	}
	if uint64(cursor-segStart) >= size {
		return cursor - memory.VirtAddr(size), true
	}
	return 0, false
}
