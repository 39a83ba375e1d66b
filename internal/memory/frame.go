package memory

import (
	"sync"

	"github.com/mankoros/mankoros/internal/errno"
)

// wordBits is the number of frames tracked by a single bitmap word.
const wordBits = 64

// BitmapAllocator is a single bitmap allocator covering a contiguous
// physical range starting just past the kernel image, per spec section
// 4.1. It is grounded on gopher-os's BitmapAllocator
// (kernel/mem/pmm/allocator/bitmap_allocator.go), collapsed to the single
// pool the spec calls for (biscuit's own per-CPU free-list allocator is
// deliberately not the model here; see DESIGN.md).
//
// A set bit means the frame is allocated; a clear bit means it is free.
type BitmapAllocator struct {
	mu sync.Mutex

	base  PhysPageNum // page number of the first managed frame
	count uint64      // number of managed frames
	bits  []uint64    // free bitmap, wordBits frames per word
	free  uint64      // count of currently-free frames
}

// NewBitmapAllocator creates an allocator managing `count` frames starting
// at physical page number `base`. All frames start free.
func NewBitmapAllocator(base PhysPageNum, count uint64) *BitmapAllocator {
	words := (count + wordBits - 1) / wordBits
	a := &BitmapAllocator{
		base:  base,
		count: count,
		bits:  make([]uint64, words),
		free:  count,
	}
	// Mark the padding bits past `count` (if any) in the last word as
	// permanently allocated so they are never handed out.
	if rem := count % wordBits; rem != 0 {
		pad := uint64(0)
		for i := rem; i < wordBits; i++ {
			pad |= 1 << i
		}
		a.bits[len(a.bits)-1] |= pad
	}
	return a
}

func wordIndex(rel uint64) (word int, bit uint) {
	return int(rel / wordBits), uint(rel % wordBits)
}

// Alloc returns a single free frame, or ENOMEM if the allocator is
// exhausted. The returned frame's contents are unspecified; callers that
// need a zeroed frame must zero it themselves (biscuit's Refpg_new does
// this via Zeropg; the core leaves that to the caller since it has no
// direct-map to copy through outside the kernel).
func (a *BitmapAllocator) Alloc() (PhysPageNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for w := range a.bits {
		if a.bits[w] == ^uint64(0) {
			continue
		}
		for b := uint(0); b < wordBits; b++ {
			if a.bits[w]&(1<<b) == 0 {
				rel := uint64(w)*wordBits + uint64(b)
				if rel >= a.count {
					break
				}
				a.bits[w] |= 1 << b
				a.free--
				return a.base + PhysPageNum(rel), nil
			}
		}
	}
	return 0, errno.Wrap(errno.ENOMEM, "bitmap allocator exhausted")
}

// AllocContiguous returns n consecutive frames aligned to 2^alignLog2
// pages, or ENOMEM if no such run of free frames exists.
func (a *BitmapAllocator) AllocContiguous(n int, alignLog2 uint) (PhysPageNum, error) {
	if n <= 0 {
		panic("memory: AllocContiguous requires n > 0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	align := uint64(1) << alignLog2
	first := (align - uint64(a.base)%align) % align // base+first is aligned
	for start := first; start+uint64(n) <= a.count; start += align {
		if ok := a.rangeFree(start, uint64(n)); ok {
			a.markRange(start, uint64(n), true)
			a.free -= uint64(n)
			return a.base + PhysPageNum(start), nil
		}
	}
	return 0, errno.Wrap(errno.ENOMEM, "no contiguous run of %d frames", n)
}

func (a *BitmapAllocator) rangeFree(start, n uint64) bool {
	for i := start; i < start+n; i++ {
		w, b := wordIndex(i)
		if a.bits[w]&(1<<b) != 0 {
			return false
		}
	}
	return true
}

func (a *BitmapAllocator) markRange(start, n uint64, allocated bool) {
	for i := start; i < start+n; i++ {
		w, b := wordIndex(i)
		if allocated {
			a.bits[w] |= 1 << b
		} else {
			a.bits[w] &^= 1 << b
		}
	}
}

// Dealloc returns a frame to the pool. It must not be called on a frame
// still present in any page table (spec section 4.1); the allocator has
// no way to verify that itself and trusts the caller, exactly as
// biscuit's Refdown trusts its callers to have already dropped the PTE.
func (a *BitmapAllocator) Dealloc(p PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rel := uint64(p - a.base)
	if rel >= a.count {
		panic("memory: Dealloc of out-of-range frame")
	}
	w, b := wordIndex(rel)
	if a.bits[w]&(1<<b) == 0 {
		panic("memory: double free of frame")
	}
	a.bits[w] &^= 1 << b
	a.free++
}

// DeallocContiguous frees n consecutive frames starting at p, as allocated
// by a matching AllocContiguous.
func (a *BitmapAllocator) DeallocContiguous(p PhysPageNum, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := uint64(p - a.base)
	a.markRange(start, uint64(n), false)
	a.free += uint64(n)
}

// FreeCount returns the number of currently unallocated frames.
func (a *BitmapAllocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// Contains reports whether p falls within the range this allocator manages.
func (a *BitmapAllocator) Contains(p PhysPageNum) bool {
	return p >= a.base && uint64(p-a.base) < a.count
}
