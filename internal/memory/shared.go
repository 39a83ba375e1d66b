package memory

import "sync/atomic"

// SharedFrames is a concurrent mapping from physical page number to an
// atomic reference count >= 2, per spec section 4.2. It is grounded on
// biscuit's Physmem_t.Refaddr/Refup/Refdown (mem/mem.go), which tracks a
// refcount per physical frame in a dense array; this component pulls that
// concern out on its own dense array, scoped only to frames that are
// actually shared (refcount == 1 frames are simply absent, matching the
// spec's "the manager does not free frames" rule — frame deallocation
// happens when the PTE holding the last reference is dropped, which is
// the area map's job, not this package's).
type SharedFrames struct {
	base  PhysPageNum
	count uint64
	refs  []int32 // 0 means "not tracked here" (refcount <= 1)
}

// NewSharedFrames creates a manager able to track frames in
// [base, base+count).
func NewSharedFrames(base PhysPageNum, count uint64) *SharedFrames {
	return &SharedFrames{base: base, count: count, refs: make([]int32, count)}
}

func (s *SharedFrames) index(p PhysPageNum) int {
	rel := uint64(p - s.base)
	if rel >= s.count {
		panic("memory: frame out of SharedFrames range")
	}
	return int(rel)
}

// AddRef registers p as shared, or increments its existing share count.
// The first call for a given frame establishes a refcount of 2 (the
// caller and whichever side it is being shared with); spec section 4.2
// requires refcount >= 2 for any tracked frame.
func (s *SharedFrames) AddRef(p PhysPageNum) {
	i := s.index(p)
	for {
		cur := atomic.LoadInt32(&s.refs[i])
		var next int32
		if cur == 0 {
			next = 2
		} else {
			next = cur + 1
		}
		if atomic.CompareAndSwapInt32(&s.refs[i], cur, next) {
			return
		}
	}
}

// RemoveRef decrements p's share count, deleting the entry (refcount back
// to "not shared") once it drops to 1, per spec section 4.2. It returns
// true if the frame is now unique (was dropped from tracking).
func (s *SharedFrames) RemoveRef(p PhysPageNum) (nowUnique bool) {
	i := s.index(p)
	for {
		cur := atomic.LoadInt32(&s.refs[i])
		if cur == 0 {
			panic("memory: RemoveRef on untracked frame")
		}
		next := cur - 1
		if next == 1 {
			next = 0 // drop from tracking: solely owned again
		}
		if atomic.CompareAndSwapInt32(&s.refs[i], cur, next) {
			return next == 0
		}
	}
}

// IsShared reports whether p currently has refcount >= 2.
func (s *SharedFrames) IsShared(p PhysPageNum) bool {
	return atomic.LoadInt32(&s.refs[s.index(p)]) != 0
}

// IsUnique reports whether p is not tracked as shared.
func (s *SharedFrames) IsUnique(p PhysPageNum) bool {
	return !s.IsShared(p)
}

// RefCount returns p's current share count as tracked here (0 if untracked).
func (s *SharedFrames) RefCount(p PhysPageNum) int32 {
	return atomic.LoadInt32(&s.refs[s.index(p)])
}
