package pagetable

import (
	"testing"

	"github.com/mankoros/mankoros/internal/memory"
)

// fakePhys is a host-memory-backed stand-in for the direct-mapped physical
// range a real kernel would use to reach page-table pages, matching
// biscuit's Physmem_t.Dmap in spirit (see package doc).
type fakePhys struct {
	pages map[memory.PhysPageNum]*Page
	next  memory.PhysPageNum
}

func newFakePhys() *fakePhys {
	return &fakePhys{pages: make(map[memory.PhysPageNum]*Page)}
}

func (f *fakePhys) Alloc() (memory.PhysPageNum, error) {
	p := f.next
	f.next++
	f.pages[p] = &Page{}
	return p, nil
}

func (f *fakePhys) Dealloc(p memory.PhysPageNum) { delete(f.pages, p) }

func (f *fakePhys) Page(p memory.PhysPageNum) *Page {
	pg, ok := f.pages[p]
	if !ok {
		panic("fakePhys: unknown page")
	}
	return pg
}

func mustTable(t *testing.T) (*Table, *fakePhys) {
	t.Helper()
	phys := newFakePhys()
	tbl, err := New(phys, phys)
	if err != nil {
		t.Fatal(err)
	}
	return tbl, phys
}

func TestMapWalkUnmap(t *testing.T) {
	tbl, phys := mustTable(t)

	v := memory.NewVirtAddr4K(0x4000_0000)
	backing, _ := phys.Alloc()
	p := backing.Addr()

	if err := tbl.MapPage(v, p, FlagR|FlagW|FlagU); err != nil {
		t.Fatal(err)
	}

	pte, ok := tbl.Walk(v)
	if !ok {
		t.Fatal("Walk: expected mapping present")
	}
	if pte.PPN() != p.PageNum() {
		t.Fatalf("PPN() = %d, want %d", pte.PPN(), p.PageNum())
	}
	if !pte.IsLeaf() {
		t.Fatal("expected leaf PTE")
	}

	got, ok := tbl.UnmapPage(v)
	if !ok {
		t.Fatal("UnmapPage: expected a mapping to remove")
	}
	if got != p {
		t.Fatalf("UnmapPage() = %#x, want %#x", got.Addr(), p.Addr())
	}

	if _, ok := tbl.Walk(v); ok {
		t.Fatal("Walk after Unmap: expected no mapping")
	}
}

func TestMapDoubleMapFails(t *testing.T) {
	tbl, phys := mustTable(t)
	v := memory.NewVirtAddr4K(0x4000_0000)
	backing, _ := phys.Alloc()

	if err := tbl.MapPage(v, backing.Addr(), FlagR|FlagU); err != nil {
		t.Fatal(err)
	}
	if err := tbl.MapPage(v, backing.Addr(), FlagR|FlagU); err == nil {
		t.Fatal("expected error double-mapping a valid leaf")
	}
}

func TestRemapOverwritesExisting(t *testing.T) {
	tbl, phys := mustTable(t)
	v := memory.NewVirtAddr4K(0x4000_0000)
	b1, _ := phys.Alloc()
	b2, _ := phys.Alloc()

	if err := tbl.MapPage(v, b1.Addr(), FlagR|FlagU); err != nil {
		t.Fatal(err)
	}
	if err := tbl.RemapPage(v, b2.Addr(), FlagR|FlagW|FlagU); err != nil {
		t.Fatal(err)
	}
	pte, ok := tbl.Walk(v)
	if !ok || pte.PPN() != b2 {
		t.Fatalf("Remap did not take effect, got %+v", pte)
	}
}

func TestEverySuccessfulMutationFlushesTLB(t *testing.T) {
	tbl, phys := mustTable(t)
	v := memory.NewVirtAddr4K(0x4000_0000)
	b, _ := phys.Alloc()

	if err := tbl.MapPage(v, b.Addr(), FlagR|FlagU); err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.UnmapPage(v); !ok {
		t.Fatal("unmap should succeed")
	}
	if got, want := len(tbl.FlushLog()), 2; got != want {
		t.Fatalf("FlushLog() has %d entries, want %d", got, want)
	}
}

func TestInteriorPTEHasNoRWX(t *testing.T) {
	tbl, phys := mustTable(t)
	v := memory.NewVirtAddr4K(0x4000_0000)
	b, _ := phys.Alloc()
	if err := tbl.MapPage(v, b.Addr(), FlagR|FlagW|FlagU); err != nil {
		t.Fatal(err)
	}
	// Walk the root directly to inspect the interior PTEs created along
	// the way.
	root := phys.Page(tbl.Root())
	vpn := v.PageNum()
	mid := root[vpn.VPN(2)]
	if !mid.Valid() || mid.IsLeaf() {
		t.Fatalf("level-2 PTE should be a valid interior node, got %#x", uint64(mid))
	}
}

func TestDifferentVPNsDoNotAlias(t *testing.T) {
	tbl, phys := mustTable(t)
	v1 := memory.NewVirtAddr4K(0x4000_0000)
	v2 := memory.NewVirtAddr4K(0x4020_0000) // different VPN[1] entry, same VPN[2]
	b1, _ := phys.Alloc()
	b2, _ := phys.Alloc()

	if err := tbl.MapPage(v1, b1.Addr(), FlagR|FlagU); err != nil {
		t.Fatal(err)
	}
	if err := tbl.MapPage(v2, b2.Addr(), FlagR|FlagU); err != nil {
		t.Fatal(err)
	}
	p1, _ := tbl.Walk(v1)
	p2, _ := tbl.Walk(v2)
	if p1.PPN() == p2.PPN() {
		t.Fatal("distinct virtual pages resolved to the same frame")
	}
}
