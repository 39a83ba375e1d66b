// Package pagetable implements an Sv39 three-level radix page table:
// map/unmap/remap and walk, with the TLB-flush discipline spec section
// 4.3 requires. It is grounded on the *shape* of biscuit's pmap_walk /
// Page_insert / Page_remove (referenced from biscuit's vm/as.go, whose own
// body was trimmed from the retrieval pack) re-derived for Sv39's 3
// levels and RISC-V PTE bit layout instead of x86-64's 4 levels and Intel
// bits.
package pagetable

import (
	"fmt"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
)

// PTE flag bits, RISC-V Sv39 layout: PPN[53:10] | RSW[9:8] | D A G U X W R V.
type Flags uint64

const (
	FlagV      Flags = 1 << 0 // valid
	FlagR      Flags = 1 << 1 // readable
	FlagW      Flags = 1 << 2 // writable
	FlagX      Flags = 1 << 3 // executable
	FlagU      Flags = 1 << 4 // user-accessible
	FlagG      Flags = 1 << 5 // global
	FlagA      Flags = 1 << 6 // accessed
	FlagD      Flags = 1 << 7 // dirty
	FlagShared Flags = 1 << 8 // software: copy-on-write participant (RSW bit 0)
)

const (
	ppnShift = 10
	ppnMask  = (uint64(1) << 44) - 1 // 44-bit PPN field
	flagMask = uint64(1<<10) - 1
)

// PTE is a single Sv39 page-table entry.
type PTE uint64

// NewLeafPTE builds a leaf entry mapping ppn with the given flags. flags
// must mark at least one of R/W/X (spec section 3: "a valid leaf PTE has
// at least one of R/W/X").
func NewLeafPTE(ppn memory.PhysPageNum, flags Flags) PTE {
	if flags&(FlagR|FlagW|FlagX) == 0 {
		panic("pagetable: leaf PTE must set at least one of R/W/X")
	}
	return PTE(uint64(ppn)<<ppnShift | uint64(flags) | uint64(FlagV))
}

// newInteriorPTE builds a non-leaf entry pointing at the page table rooted
// at ppn. An interior PTE has R=W=X=0 (spec section 3).
func newInteriorPTE(ppn memory.PhysPageNum) PTE {
	return PTE(uint64(ppn)<<ppnShift | uint64(FlagV))
}

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return Flags(p)&FlagV != 0 }

// IsLeaf reports whether the entry is a leaf (at least one of R/W/X set).
func (p PTE) IsLeaf() bool { return Flags(p)&(FlagR|FlagW|FlagX) != 0 }

// PPN returns the physical page number this entry points to.
func (p PTE) PPN() memory.PhysPageNum {
	return memory.PhysPageNum((uint64(p) >> ppnShift) & ppnMask)
}

// Flags returns the flag bits of the entry.
func (p PTE) Flags() Flags { return Flags(uint64(p) & flagMask) }

func (p *PTE) setFlags(f Flags) {
	*p = PTE(uint64(*p)&^flagMask | uint64(f))
}

const entriesPerLevel = 512

// Page is one level of the radix tree: 512 eight-byte PTEs, exactly one
// physical frame's worth of entries.
type Page [entriesPerLevel]PTE

// FrameSource allocates and frees the physical frames backing interior
// page-table nodes. In the real kernel this is memory.BitmapAllocator;
// tests use a host-memory-backed fake so the page table can be exercised
// without a real physical address space.
type FrameSource interface {
	Alloc() (memory.PhysPageNum, error)
	Dealloc(memory.PhysPageNum)
}

// PageStore resolves a physical page number to the page contents backing
// it, mirroring biscuit's Physmem_t.Dmap direct-map trick without requiring
// a real direct-mapped region in a hosted test binary.
type PageStore interface {
	Page(memory.PhysPageNum) *Page
}

// Table is an Sv39 three-level page table rooted at a single top-level
// page. Table is not safe for concurrent use; callers serialize access
// via the owning address space's lock, per spec section 5.
type Table struct {
	frames FrameSource
	store  PageStore
	root   memory.PhysPageNum
	flushed []memory.VirtAddr4K // records of Sfence calls, for TLB-discipline tests
}

// New allocates a fresh, empty root page and returns a Table backed by it.
func New(frames FrameSource, store PageStore) (*Table, error) {
	root, err := frames.Alloc()
	if err != nil {
		return nil, err
	}
	*store.Page(root) = Page{}
	return &Table{frames: frames, store: store, root: root}, nil
}

// Root returns the physical page number of the table's root page, i.e.
// the value to load into satp.
func (t *Table) Root() memory.PhysPageNum { return t.root }

// Sfence records an SFENCE.VMA for the given virtual address. Tests assert
// every successful Map/Unmap/Remap is followed by exactly one Sfence call,
// per spec section 4.3's TLB discipline.
func (t *Table) Sfence(va memory.VirtAddr4K) {
	t.flushed = append(t.flushed, va)
}

// FlushLog returns the recorded Sfence calls since the table was created,
// for test assertions. It is not part of the production API surface.
func (t *Table) FlushLog() []memory.VirtAddr4K { return t.flushed }

// walkCreate walks to the leaf-level page-table page for va, allocating
// intermediate tables as needed. It returns the leaf page and the index
// within it.
func (t *Table) walkCreate(va memory.VirtAddr4K) (*Page, int, error) {
	vpn := va.PageNum()
	cur := t.root
	for lvl := 2; lvl > 0; lvl-- {
		pg := t.store.Page(cur)
		idx := vpn.VPN(lvl)
		pte := &pg[idx]
		if !pte.Valid() {
			next, err := t.frames.Alloc()
			if err != nil {
				return nil, 0, err
			}
			*t.store.Page(next) = Page{}
			*pte = newInteriorPTE(next)
		} else if pte.IsLeaf() {
			return nil, 0, fmt.Errorf("pagetable: %w: superpage blocks walk at level %d", errno.EINVAL, lvl)
		}
		cur = pte.PPN()
	}
	return t.store.Page(cur), int(vpn.VPN(0)), nil
}

// walk walks to the leaf-level page-table page for va without creating
// intermediate tables. It returns nil if any level is absent.
func (t *Table) walk(va memory.VirtAddr4K) (*Page, int) {
	vpn := va.PageNum()
	cur := t.root
	for lvl := 2; lvl > 0; lvl-- {
		pg := t.store.Page(cur)
		idx := vpn.VPN(lvl)
		pte := &pg[idx]
		if !pte.Valid() {
			return nil, 0
		}
		cur = pte.PPN()
	}
	return t.store.Page(cur), int(vpn.VPN(0))
}

// MapPage installs a leaf mapping from v4k to p4k with the given flags.
// It allocates intermediate tables as needed. The caller must Sfence the
// affected virtual address (spec section 4.3); MapPage does so itself for
// convenience, matching the "caller must sfence.vma" contract by making
// the table always discharge it. It is an error to double-map an
// already-valid leaf; use RemapPage for that.
func (t *Table) MapPage(v4k memory.VirtAddr4K, p4k memory.PhysAddr4K, flags Flags) error {
	leaf, idx, err := t.walkCreate(v4k)
	if err != nil {
		return err
	}
	if leaf[idx].Valid() {
		return fmt.Errorf("pagetable: %w: %#x already mapped, use RemapPage", errno.EINVAL, v4k.Addr())
	}
	leaf[idx] = NewLeafPTE(p4k.PageNum(), flags)
	t.Sfence(v4k)
	return nil
}

// RemapPage replaces an existing leaf mapping (or installs a new one) at
// v4k, unconditionally.
func (t *Table) RemapPage(v4k memory.VirtAddr4K, p4k memory.PhysAddr4K, flags Flags) error {
	leaf, idx, err := t.walkCreate(v4k)
	if err != nil {
		return err
	}
	leaf[idx] = NewLeafPTE(p4k.PageNum(), flags)
	t.Sfence(v4k)
	return nil
}

// UnmapPage removes a leaf mapping and returns the physical frame that was
// mapped there. ok is false if no mapping was present.
func (t *Table) UnmapPage(v4k memory.VirtAddr4K) (p4k memory.PhysAddr4K, ok bool) {
	leaf, idx := t.walk(v4k)
	if leaf == nil || !leaf[idx].Valid() {
		return memory.PhysAddr4K{}, false
	}
	ppn := leaf[idx].PPN()
	leaf[idx] = PTE(0)
	t.Sfence(v4k)
	return ppn.Addr(), true
}

// Walk returns the leaf PTE for v4k, and whether one is present.
func (t *Table) Walk(v4k memory.VirtAddr4K) (PTE, bool) {
	leaf, idx := t.walk(v4k)
	if leaf == nil || !leaf[idx].Valid() {
		return 0, false
	}
	return leaf[idx], true
}

// WalkMut returns a pointer to the leaf PTE slot for v4k if present, for
// callers (the area map's page-fault resolver) that need to mutate it
// in place without a redundant Walk+MapPage round trip.
func (t *Table) WalkMut(v4k memory.VirtAddr4K) *PTE {
	leaf, idx := t.walk(v4k)
	if leaf == nil {
		return nil
	}
	return &leaf[idx]
}

// WalkMutCreate is like WalkMut but allocates intermediate tables so it
// always succeeds (barring allocator exhaustion).
func (t *Table) WalkMutCreate(v4k memory.VirtAddr4K) (*PTE, error) {
	leaf, idx, err := t.walkCreate(v4k)
	if err != nil {
		return nil, err
	}
	return &leaf[idx], nil
}
