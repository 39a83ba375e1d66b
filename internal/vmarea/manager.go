package vmarea

import (
	"context"
	"fmt"
	"sync"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/vfs"
)

// FrameData exposes a frame's raw byte contents for copy-on-write page
// duplication. A real kernel reaches these bytes through its direct map
// (biscuit's Physmem_t.Dmap); a hosted test backs this with a plain
// map[PhysPageNum][]byte.
type FrameData interface {
	Bytes(memory.PhysPageNum) []byte
	Zero(memory.PhysPageNum)
}

// stackSlotSize is the size reserved per thread stack, matching spec
// section 3's default stack segment slot size.
const stackSlotSize = 8 * memory.PageSize

// Manager owns one address space's area map, page table, and the frame
// bookkeeping needed to resolve page faults against it, per spec section
// 4.4. It is grounded on biscuit's Vmregion_t + Vminfo_t pairing (vm/as.go)
// generalized from biscuit's single address space type.
type Manager struct {
	mu sync.Mutex

	Table  *pagetable.Table
	frames *memory.BitmapAllocator
	shared *memory.SharedFrames
	data   FrameData
	layout config.Layout

	areas RangeMap[*Area]

	heapBreak memory.VirtAddr

	stackUsed   map[int]bool
	stackRanges map[int][2]memory.VirtAddr
}

// NewManager creates an empty address space using table as its page table
// and frames/shared/data as the physical-memory substrate, all shared
// across every Manager in the system (spec section 4.1/4.2).
func NewManager(table *pagetable.Table, frames *memory.BitmapAllocator, shared *memory.SharedFrames, data FrameData, layout config.Layout) *Manager {
	return &Manager{
		Table:       table,
		frames:      frames,
		shared:      shared,
		data:        data,
		layout:      layout,
		heapBreak:   layout.UserHeapStart,
		stackUsed:   make(map[int]bool),
		stackRanges: make(map[int][2]memory.VirtAddr),
	}
}

func pageAlignedRange(start memory.VirtAddr, length uint64) (s, e memory.VirtAddr, err error) {
	if length == 0 {
		return 0, 0, fmt.Errorf("vmarea: %w: zero-length area", errno.EINVAL)
	}
	s = start.RoundDown()
	e = (start + memory.VirtAddr(length)).RoundUp()
	return s, e, nil
}

// insertFree finds a free sub-range of the requested byte length within
// the mmap-private segment and inserts area there, ascending from the
// segment's low end (spec section 4.4's insert_mmap_* placement rule).
func (m *Manager) insertFree(area *Area, length uint64) (memory.VirtAddr, error) {
	size := memory.VirtAddr(length).RoundUp()
	start, ok := m.areas.FindFreeAscending(m.layout.MmapPrivateStart, m.layout.MmapPrivateEnd, uint64(size))
	if !ok {
		return 0, fmt.Errorf("vmarea: %w: no free range of %d bytes in mmap segment", errno.ENOMEM, uint64(size))
	}
	if err := m.areas.Insert(start, start+size, area); err != nil {
		return 0, err
	}
	return start, nil
}

// InsertMmapAnonymous places a new zero-filled anonymous area of the given
// length somewhere in the mmap-private segment, returning its start.
func (m *Manager) InsertMmapAnonymous(length uint64, perm Perm) (memory.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertFree(&Area{Kind: KindAnonymous, Perm: perm}, length)
}

// InsertMmapAnonymousAt places a zero-filled anonymous area at a caller-
// chosen, page-aligned address (MAP_FIXED), failing if it would overlap an
// existing area.
func (m *Manager) InsertMmapAnonymousAt(start memory.VirtAddr, length uint64, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, e, err := pageAlignedRange(start, length)
	if err != nil {
		return err
	}
	return m.areas.Insert(s, e, &Area{Kind: KindAnonymous, Perm: perm})
}

// InsertMmapPrivate places a new copy-on-write file-backed area somewhere
// in the mmap-private segment, returning its start.
func (m *Manager) InsertMmapPrivate(file vfs.FileRef, fileOffset int64, length uint64, perm Perm) (memory.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertFree(&Area{Kind: KindPrivate, Perm: perm, File: file, FileOffset: fileOffset}, length)
}

// InsertMmapPrivateAt is InsertMmapPrivate at a caller-chosen address.
func (m *Manager) InsertMmapPrivateAt(start memory.VirtAddr, file vfs.FileRef, fileOffset int64, length uint64, perm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, e, err := pageAlignedRange(start, length)
	if err != nil {
		return err
	}
	return m.areas.Insert(s, e, &Area{Kind: KindPrivate, Perm: perm, File: file, FileOffset: fileOffset})
}

// InsertShm places a shared-memory area backed by shmID somewhere in the
// mmap-shared segment and eagerly populates every page in it (shm areas
// are never lazily faulted in, per spec section 4.4), returning the start.
func (m *Manager) InsertShm(ctx context.Context, shmID uint64, length uint64, perm Perm, backing vfs.FileRef) (memory.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := memory.VirtAddr(length).RoundUp()
	start, ok := m.areas.FindFreeAscending(m.layout.MmapSharedStart, m.layout.MmapSharedEnd, uint64(size))
	if !ok {
		return 0, fmt.Errorf("vmarea: %w: no free range of %d bytes in shm segment", errno.ENOMEM, uint64(size))
	}
	area := &Area{Kind: KindShm, Perm: perm, ShmID: shmID, File: backing}
	if err := m.areas.Insert(start, start+size, area); err != nil {
		return 0, err
	}
	for off := memory.VirtAddr(0); off < size; off += memory.PageSize {
		p4k, err := backing.GetPage(ctx, int64(off), vfs.MmapShared)
		if err != nil {
			m.areas.RemoveStart(start)
			return 0, err
		}
		if err := m.Table.MapPage(memory.NewVirtAddr4K(start+off), p4k, perm.Flags()); err != nil {
			m.areas.RemoveStart(start)
			return 0, err
		}
	}
	return start, nil
}

// UnmapRange removes the mapping over [start, start+length), splitting or
// shrinking any area that only partially overlaps it, per spec section
// 4.4. Shm areas are never split: the unmapped range must exactly cover
// a shm area's full bounds, or UnmapRange fails with EINVAL.
func (m *Manager) UnmapRange(start memory.VirtAddr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, e, err := pageAlignedRange(start, length)
	if err != nil {
		return err
	}

	idxs := m.areas.EntriesIn(s, e)
	// Validate shm-never-splits before mutating anything.
	for _, i := range idxs {
		as, ae, area := m.areas.At(i)
		if area.Kind == KindShm && (as < s || ae > e) {
			return fmt.Errorf("vmarea: %w: munmap of shm area must cover its full range", errno.EINVAL)
		}
	}

	// Walk in reverse so earlier indices stay valid as we remove/replace.
	for i := len(idxs) - 1; i >= 0; i-- {
		idx := idxs[i]
		as, ae, area := m.areas.At(idx)
		m.unmapPages(max64(as, s), min64(ae, e), area)

		switch {
		case as >= s && ae <= e:
			// Fully covered: remove.
			m.areas.RemoveAt(idx)
		case as < s && ae > e:
			// Split in the middle: shrink left half, insert right half.
			m.areas.ReplaceAt(idx, as, s, area)
			right := *area
			if area.Kind == KindPrivate {
				right.FileOffset += int64(e.Sub(as))
			}
			if err := m.areas.Insert(e, ae, &right); err != nil {
				return err
			}
		case as < s:
			// Overlap on the right edge: shrink end.
			m.areas.ReplaceAt(idx, as, s, area)
		default:
			// Overlap on the left edge: shrink start.
			newArea := *area
			if area.Kind == KindPrivate {
				newArea.FileOffset += int64(e.Sub(as))
			}
			m.areas.ReplaceAt(idx, e, ae, &newArea)
		}
	}
	return nil
}

// unmapPages drops every present PTE in [s, e) belonging to area, freeing
// or dereferencing the backing frame as appropriate.
func (m *Manager) unmapPages(s, e memory.VirtAddr, area *Area) {
	for va := s; va < e; va += memory.PageSize {
		p4k, ok := m.Table.UnmapPage(memory.NewVirtAddr4K(va))
		if !ok {
			continue
		}
		if area.Kind == KindShm {
			continue // shm frame lifetime is owned by the shm subsystem
		}
		ppn := p4k.PageNum()
		if m.shared.IsShared(ppn) {
			m.shared.RemoveRef(ppn) // another mapping still holds the frame
			continue
		}
		if m.frames.Contains(ppn) {
			m.frames.Dealloc(ppn)
		}
	}
}

func max64(a, b memory.VirtAddr) memory.VirtAddr {
	if a > b {
		return a
	}
	return b
}

func min64(a, b memory.VirtAddr) memory.VirtAddr {
	if a < b {
		return a
	}
	return b
}

// RemapRange changes the permission of every area overlapping
// [start, start+length) to newPerm, per spec section 4.4's remap_range:
// it uses the same split logic as UnmapRange (areas partially covered are
// split so only the covered portion's permission changes, each surviving
// sub-area keeping its kind), but it never touches a PTE or frame — the
// stricter permission is picked up lazily the next time that page faults.
// Shm areas are never split, matching UnmapRange's rule.
func (m *Manager) RemapRange(start memory.VirtAddr, length uint64, newPerm Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, e, err := pageAlignedRange(start, length)
	if err != nil {
		return err
	}

	idxs := m.areas.EntriesIn(s, e)
	for _, i := range idxs {
		as, ae, area := m.areas.At(i)
		if area.Kind == KindShm && (as < s || ae > e) {
			return fmt.Errorf("vmarea: %w: mprotect of shm area must cover its full range", errno.EINVAL)
		}
	}

	for i := len(idxs) - 1; i >= 0; i-- {
		idx := idxs[i]
		as, ae, area := m.areas.At(idx)

		switch {
		case as >= s && ae <= e:
			changed := *area
			changed.Perm = newPerm
			m.areas.ReplaceAt(idx, as, ae, &changed)
		case as < s && ae > e:
			m.areas.ReplaceAt(idx, as, s, area)
			mid := *area
			mid.Perm = newPerm
			if area.Kind == KindPrivate {
				mid.FileOffset += int64(s.Sub(as))
			}
			if err := m.areas.Insert(s, e, &mid); err != nil {
				return err
			}
			right := *area
			if area.Kind == KindPrivate {
				right.FileOffset += int64(e.Sub(as))
			}
			if err := m.areas.Insert(e, ae, &right); err != nil {
				return err
			}
		case as < s:
			m.areas.ReplaceAt(idx, as, s, area)
			changed := *area
			changed.Perm = newPerm
			if area.Kind == KindPrivate {
				changed.FileOffset += int64(s.Sub(as))
			}
			if err := m.areas.Insert(s, ae, &changed); err != nil {
				return err
			}
		default:
			changed := *area
			changed.Perm = newPerm
			m.areas.ReplaceAt(idx, as, e, &changed)
			right := *area
			if area.Kind == KindPrivate {
				right.FileOffset += int64(e.Sub(as))
			}
			if err := m.areas.Insert(e, ae, &right); err != nil {
				return err
			}
		}
	}
	return nil
}

// HeapBreak returns the address space's current heap break, the value
// brk(2) reports back when called with a zero argument to probe rather
// than move it.
func (m *Manager) HeapBreak() memory.VirtAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heapBreak
}

// ResetHeapBreak implements brk(2): it grows or shrinks the single
// anonymous heap area spanning [UserHeapStart, heapBreak) to end at
// newBreak, returning the resulting break. A newBreak below UserHeapStart
// is raised to UserHeapStart; one past UserHeapEnd fails with ENOMEM and
// leaves the break unchanged.
func (m *Manager) ResetHeapBreak(newBreak memory.VirtAddr) (memory.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newBreak < m.layout.UserHeapStart {
		newBreak = m.layout.UserHeapStart
	}
	if newBreak > m.layout.UserHeapEnd {
		return m.heapBreak, fmt.Errorf("vmarea: %w: brk past the heap segment", errno.ENOMEM)
	}
	target := newBreak.RoundUp()
	current := m.heapBreak.RoundUp()

	if target == current {
		m.heapBreak = newBreak
		return m.heapBreak, nil
	}

	if idx := m.areas.containingIndex(m.layout.UserHeapStart); idx >= 0 {
		_, _, area := m.areas.At(idx)
		if target < current {
			m.unmapPages(target, current, area)
			if target == m.layout.UserHeapStart {
				m.areas.RemoveAt(idx)
			} else {
				m.areas.ReplaceAt(idx, m.layout.UserHeapStart, target, area)
			}
		} else {
			m.areas.ReplaceAt(idx, m.layout.UserHeapStart, target, area)
		}
	} else if target > current {
		area := &Area{Kind: KindAnonymous, Perm: PermR | PermW}
		if err := m.areas.Insert(m.layout.UserHeapStart, target, area); err != nil {
			return m.heapBreak, err
		}
	}
	m.heapBreak = newBreak
	return m.heapBreak, nil
}

// AllocStack finds a free sub-range in the stack segment growing toward
// lower addresses and returns a 16-byte-aligned top-of-stack pointer, per
// spec section 4.4's alloc_stack. size is rounded up to a whole number of
// pages. The returned id identifies the allocation for a later FreeStack.
func (m *Manager) AllocStack(size uint64) (top memory.VirtAddr, id int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	length := memory.VirtAddr(size).RoundUp()
	if length == 0 {
		length = stackSlotSize
	}
	start, ok := m.areas.FindFreeDescending(m.layout.UserStackStart, m.layout.UserStackEnd, uint64(length))
	if !ok {
		return 0, 0, fmt.Errorf("vmarea: %w: stack segment exhausted", errno.ENOMEM)
	}
	end := start + length
	area := &Area{Kind: KindAnonymous, Perm: PermR | PermW}
	if err := m.areas.Insert(start, end, area); err != nil {
		return 0, 0, err
	}

	id = 0
	for m.stackUsed[id] {
		id++
	}
	m.stackUsed[id] = true
	m.stackRanges[id] = [2]memory.VirtAddr{start, end}
	top = end &^ 0xf
	return top, id, nil
}

// FreeStack releases a stack allocated by AllocStack, unmapping its pages
// and making the id available for reuse.
func (m *Manager) FreeStack(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rng, ok := m.stackRanges[id]
	if !ok {
		return fmt.Errorf("vmarea: %w: stack id %d not allocated", errno.EINVAL, id)
	}
	if idx := m.areas.containingIndex(rng[0]); idx >= 0 {
		_, _, area := m.areas.At(idx)
		m.unmapPages(rng[0], rng[1], area)
		m.areas.RemoveAt(idx)
	}
	delete(m.stackUsed, id)
	delete(m.stackRanges, id)
	return nil
}

// Access distinguishes the kind of memory access that triggered a page
// fault, per spec section 4.4's fault classification.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

// CheckAccess reports whether va falls inside a mapped area with
// permission for the requested access, without resolving any fault —
// implements trap.AreaChecker for internal/uaccess's probe-before-touch
// path, which must not have the side effect of populating a lazy page just
// from being asked whether it would fault.
func (m *Manager) CheckAccess(va memory.VirtAddr, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	area, _, _, ok := m.areas.Lookup(va)
	if !ok {
		return fmt.Errorf("vmarea: %w: no segment mapped at %#x", errno.EFAULT, va)
	}
	if write && area.Perm&PermW == 0 {
		return fmt.Errorf("vmarea: %w: write to non-writable area at %#x", errno.EFAULT, va)
	}
	if !write && area.Perm&PermR == 0 {
		return fmt.Errorf("vmarea: %w: read from non-readable area at %#x", errno.EFAULT, va)
	}
	return nil
}

// HandlePageFault resolves a page fault at va for the given access kind,
// per spec section 4.4's algorithm: NoSegment, PermUnmatch, lazy fault,
// spurious fault, and copy-on-write write fault.
func (m *Manager) HandlePageFault(ctx context.Context, va memory.VirtAddr, access Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	area, start, _, ok := m.areas.Lookup(va)
	if !ok {
		return fmt.Errorf("vmarea: %w: no segment mapped at %#x", errno.EFAULT, va)
	}
	if access == AccessWrite && area.Perm&PermW == 0 {
		return fmt.Errorf("vmarea: %w: write to non-writable area at %#x", errno.EFAULT, va)
	}
	if access == AccessRead && area.Perm&PermR == 0 {
		return fmt.Errorf("vmarea: %w: read from non-readable area at %#x", errno.EFAULT, va)
	}
	if access == AccessExec && area.Perm&PermX == 0 {
		return fmt.Errorf("vmarea: %w: exec from non-executable area at %#x", errno.EFAULT, va)
	}

	v4k := memory.NewVirtAddr4K(va.RoundDown())
	pte, present := m.Table.Walk(v4k)

	if !present {
		return m.lazyFault(ctx, area, start, v4k)
	}

	if access == AccessWrite && pte.Flags()&pagetable.FlagW == 0 && pte.Flags()&pagetable.FlagShared != 0 {
		return m.cowFault(v4k, pte, area)
	}

	// Spurious fault: the mapping already permits this access (a racing
	// hart resolved it first); nothing to do.
	return nil
}

func (m *Manager) lazyFault(ctx context.Context, area *Area, start memory.VirtAddr, v4k memory.VirtAddr4K) error {
	if area.Kind == KindAnonymous {
		ppn, err := m.frames.Alloc()
		if err != nil {
			return err
		}
		m.data.Zero(ppn)
		return m.Table.MapPage(v4k, ppn.Addr(), area.Perm.Flags())
	}

	off := int64(v4k.Addr().Sub(start))
	p4k, err := area.fetchPage(ctx, off)
	if err != nil {
		return err
	}
	flags := area.Perm.Flags()
	if area.Kind == KindPrivate {
		// Private file-backed pages start read-only and shared so the
		// first write takes the copy-on-write path below.
		flags = (flags &^ pagetable.FlagW) | pagetable.FlagShared
		m.shared.AddRef(p4k.PageNum())
	}
	return m.Table.MapPage(v4k, p4k, flags)
}

func (m *Manager) cowFault(v4k memory.VirtAddr4K, pte pagetable.PTE, area *Area) error {
	ppn := pte.PPN()
	if m.shared.IsUnique(ppn) {
		return m.Table.RemapPage(v4k, ppn.Addr(), area.Perm.Flags())
	}
	newPPN, err := m.frames.Alloc()
	if err != nil {
		return err
	}
	copy(m.data.Bytes(newPPN), m.data.Bytes(ppn))
	m.shared.RemoveRef(ppn)
	return m.Table.RemapPage(v4k, newPPN.Addr(), area.Perm.Flags())
}

// CloneCOW populates dst's area map and page table as a copy-on-write
// fork of m, per spec section 4.4's clone_cow: every anonymous/private
// area's present, writable PTEs have W cleared and Shared set (with the
// frame's refcount bumped) on both sides, read-only pages are shared
// verbatim, and shm areas are remapped directly since they are never
// copy-on-write.
func (m *Manager) CloneCOW(dst *Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	dst.heapBreak = m.heapBreak

	for i := 0; i < m.areas.Len(); i++ {
		s, e, area := m.areas.At(i)
		childArea := *area
		if err := dst.areas.Insert(s, e, &childArea); err != nil {
			return err
		}

		for va := s; va < e; va += memory.PageSize {
			v4k := memory.NewVirtAddr4K(va)
			pte, present := m.Table.Walk(v4k)
			if !present {
				continue
			}

			if area.Kind == KindShm {
				if err := dst.Table.MapPage(v4k, pte.PPN().Addr(), pte.Flags()); err != nil {
					return err
				}
				continue
			}

			flags := pte.Flags()
			if flags&pagetable.FlagW != 0 {
				flags = (flags &^ pagetable.FlagW) | pagetable.FlagShared
				if err := m.Table.RemapPage(v4k, pte.PPN().Addr(), flags); err != nil {
					return err
				}
				m.shared.AddRef(pte.PPN())
			} else if flags&pagetable.FlagShared != 0 {
				m.shared.AddRef(pte.PPN())
			}
			if err := dst.Table.MapPage(v4k, pte.PPN().Addr(), flags); err != nil {
				return err
			}
		}
	}
	return nil
}
