package vmarea

import (
	"context"
	"errors"
	"testing"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/vfs"
)

// fakeStore backs both pagetable.PageStore (page-table pages) and
// vmarea.FrameData (data page contents) with plain host memory, the same
// trick pagetable's own tests use for PageStore.
type fakeStore struct {
	pages map[memory.PhysPageNum]*pagetable.Page
	data  map[memory.PhysPageNum]*[memory.PageSize]byte
	next  memory.PhysPageNum
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages: make(map[memory.PhysPageNum]*pagetable.Page),
		data:  make(map[memory.PhysPageNum]*[memory.PageSize]byte),
		next:  1,
	}
}

func (f *fakeStore) Alloc() (memory.PhysPageNum, error) {
	p := f.next
	f.next++
	f.pages[p] = &pagetable.Page{}
	f.data[p] = &[memory.PageSize]byte{}
	return p, nil
}

func (f *fakeStore) Dealloc(p memory.PhysPageNum) {
	delete(f.pages, p)
	delete(f.data, p)
}

func (f *fakeStore) Page(p memory.PhysPageNum) *pagetable.Page {
	pg, ok := f.pages[p]
	if !ok {
		pg = &pagetable.Page{}
		f.pages[p] = pg
	}
	return pg
}

func (f *fakeStore) Bytes(p memory.PhysPageNum) []byte {
	d, ok := f.data[p]
	if !ok {
		d = &[memory.PageSize]byte{}
		f.data[p] = d
	}
	return d[:]
}

func (f *fakeStore) Zero(p memory.PhysPageNum) {
	for i := range f.Bytes(p) {
		f.Bytes(p)[i] = 0
	}
}

// fakeFile is a minimal vfs.FileRef that hands out a fixed physical page
// per (offset / PageSize) bucket, for private and shm area tests.
type fakeFile struct {
	store  *fakeStore
	frames map[int64]memory.PhysPageNum
}

func newFakeFile(store *fakeStore) *fakeFile {
	return &fakeFile{store: store, frames: make(map[int64]memory.PhysPageNum)}
}

func (f *fakeFile) frameFor(off int64) memory.PhysPageNum {
	bucket := off &^ (memory.PageSize - 1)
	ppn, ok := f.frames[bucket]
	if !ok {
		ppn, _ = f.store.Alloc()
		f.frames[bucket] = ppn
	}
	return ppn
}

func (f *fakeFile) Attr(context.Context) (vfs.Attr, error)               { return vfs.Attr{}, nil }
func (f *fakeFile) ReadAt(context.Context, int64, []byte) (int, error)   { return 0, nil }
func (f *fakeFile) WriteAt(context.Context, int64, []byte) (int, error)  { return 0, nil }
func (f *fakeFile) Truncate(context.Context, int64) error                { return nil }
func (f *fakeFile) PollReady(context.Context, int64, int, vfs.PollKind) (int, error) {
	return 0, nil
}
func (f *fakeFile) List(context.Context) ([]vfs.DirEntry, error) { return nil, nil }
func (f *fakeFile) Lookup(context.Context, string) (vfs.FileRef, error) {
	return nil, errors.New("not a directory")
}
func (f *fakeFile) Create(context.Context, string, vfs.FileKind) (vfs.FileRef, error) {
	return nil, errors.New("not a directory")
}
func (f *fakeFile) Remove(context.Context, string) error { return errors.New("not a directory") }

func (f *fakeFile) GetPage(_ context.Context, off int64, _ vfs.MmapKind) (memory.PhysAddr4K, error) {
	return f.frameFor(off).Addr(), nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	table, err := pagetable.New(store, store)
	if err != nil {
		t.Fatalf("pagetable.New: %v", err)
	}
	frames := memory.NewBitmapAllocator(1000, 1000)
	shared := memory.NewSharedFrames(1000, 1000)
	layout := config.DefaultLayout
	return NewManager(table, frames, shared, store, layout), store
}

func TestAnonymousLazyFaultThenSpurious(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	start, err := m.InsertMmapAnonymous(memory.PageSize, PermR|PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}

	if err := m.HandlePageFault(ctx, start, AccessWrite); err != nil {
		t.Fatalf("lazy fault: %v", err)
	}
	if _, ok := m.Table.Walk(memory.NewVirtAddr4K(start)); !ok {
		t.Fatal("expected a PTE to be installed after the fault")
	}
	// A second fault at the same address is now spurious: it must not error.
	if err := m.HandlePageFault(ctx, start, AccessWrite); err != nil {
		t.Fatalf("spurious fault should be a no-op, got: %v", err)
	}
}

func TestHandlePageFaultNoSegment(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.HandlePageFault(context.Background(), m.layout.MmapPrivateStart, AccessRead)
	if !errors.Is(err, errno.EFAULT) {
		t.Fatalf("expected EFAULT for an address with no area, got %v", err)
	}
}

func TestHandlePageFaultPermMismatch(t *testing.T) {
	m, _ := newTestManager(t)
	start, err := m.InsertMmapAnonymous(memory.PageSize, PermR)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = m.HandlePageFault(context.Background(), start, AccessWrite)
	if !errors.Is(err, errno.EFAULT) {
		t.Fatalf("expected EFAULT for a write to a read-only area, got %v", err)
	}
}

func TestUnmapRangeSplitsMiddle(t *testing.T) {
	m, _ := newTestManager(t)
	start, err := m.InsertMmapAnonymous(4*memory.PageSize, PermR|PermW)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.UnmapRange(start+memory.PageSize, memory.PageSize); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if m.areas.Len() != 2 {
		t.Fatalf("expected the area to split into 2, got %d", m.areas.Len())
	}
	s0, e0, _ := m.areas.At(0)
	s1, e1, _ := m.areas.At(1)
	if s0 != start || e0 != start+memory.PageSize {
		t.Fatalf("unexpected left half [%#x,%#x)", s0, e0)
	}
	if s1 != start+2*memory.PageSize || e1 != start+4*memory.PageSize {
		t.Fatalf("unexpected right half [%#x,%#x)", s1, e1)
	}
}

func TestCloneCOWSharesFramesAndClearsWrite(t *testing.T) {
	// The frame allocator and the shared-frame refcount table are physical
	// resources, scoped to the whole system rather than one address space
	// (spec sections 4.1/4.2); a real fork shares both between parent and
	// child, so the test must too.
	store := newFakeStore()
	frames := memory.NewBitmapAllocator(1000, 1000)
	shared := memory.NewSharedFrames(1000, 1000)
	layout := config.DefaultLayout

	parentTable, err := pagetable.New(store, store)
	if err != nil {
		t.Fatalf("pagetable.New: %v", err)
	}
	childTable, err := pagetable.New(store, store)
	if err != nil {
		t.Fatalf("pagetable.New: %v", err)
	}
	parent := NewManager(parentTable, frames, shared, store, layout)
	child := NewManager(childTable, frames, shared, store, layout)
	ctx := context.Background()

	start, err := parent.InsertMmapAnonymous(memory.PageSize, PermR|PermW)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := parent.HandlePageFault(ctx, start, AccessWrite); err != nil {
		t.Fatalf("fault: %v", err)
	}

	if err := parent.CloneCOW(child); err != nil {
		t.Fatalf("CloneCOW: %v", err)
	}

	pPTE, ok := parent.Table.Walk(memory.NewVirtAddr4K(start))
	if !ok || pPTE.Flags()&pagetable.FlagW != 0 {
		t.Fatal("parent PTE should have lost write permission after fork")
	}
	cPTE, ok := child.Table.Walk(memory.NewVirtAddr4K(start))
	if !ok || cPTE.PPN() != pPTE.PPN() {
		t.Fatal("child should share the same frame as the parent")
	}
	if parent.shared.RefCount(pPTE.PPN()) != 2 {
		t.Fatalf("expected refcount 2 after fork, got %d", parent.shared.RefCount(pPTE.PPN()))
	}

	// A write in the child must copy the frame rather than corrupt the parent's.
	if err := child.HandlePageFault(ctx, start, AccessWrite); err != nil {
		t.Fatalf("child COW fault: %v", err)
	}
	cPTE2, _ := child.Table.Walk(memory.NewVirtAddr4K(start))
	if cPTE2.PPN() == pPTE.PPN() {
		t.Fatal("child's write fault should have allocated a private copy")
	}
	if !parent.shared.IsUnique(pPTE.PPN()) {
		t.Fatal("parent's frame should be unique again once the child copied away")
	}
}

func TestAllocStackGrowsDownwardAndIsAligned(t *testing.T) {
	m, _ := newTestManager(t)
	top, id, err := m.AllocStack(2 * memory.PageSize)
	if err != nil {
		t.Fatalf("AllocStack: %v", err)
	}
	if top%16 != 0 {
		t.Fatalf("expected 16-byte aligned top, got %#x", top)
	}
	if top > m.layout.UserStackEnd || top <= m.layout.UserStackStart {
		t.Fatalf("stack top %#x outside the stack segment", top)
	}
	if err := m.FreeStack(id); err != nil {
		t.Fatalf("FreeStack: %v", err)
	}
}

func TestResetHeapBreakGrowAndShrink(t *testing.T) {
	m, _ := newTestManager(t)
	b, err := m.ResetHeapBreak(m.layout.UserHeapStart + 2*memory.PageSize)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if b != m.layout.UserHeapStart+2*memory.PageSize {
		t.Fatalf("unexpected break after grow: %#x", b)
	}
	ctx := context.Background()
	if err := m.HandlePageFault(ctx, m.layout.UserHeapStart, AccessWrite); err != nil {
		t.Fatalf("heap fault: %v", err)
	}
	b, err = m.ResetHeapBreak(m.layout.UserHeapStart)
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if b != m.layout.UserHeapStart {
		t.Fatalf("unexpected break after shrink: %#x", b)
	}
	if _, ok := m.Table.Walk(memory.NewVirtAddr4K(m.layout.UserHeapStart)); ok {
		t.Fatal("expected the heap PTE to be unmapped after shrinking to zero")
	}
}

func TestInsertShmEagerlyPopulatesAndSharesAcrossAreas(t *testing.T) {
	m1, store := newTestManager(t)
	m2 := NewManager(func() *pagetable.Table {
		tbl, _ := pagetable.New(store, store)
		return tbl
	}(), memory.NewBitmapAllocator(2000, 1000), memory.NewSharedFrames(2000, 1000), store, config.DefaultLayout)

	backing := newFakeFile(store)
	ctx := context.Background()

	s1, err := m1.InsertShm(ctx, 42, memory.PageSize, PermR|PermW, backing)
	if err != nil {
		t.Fatalf("InsertShm m1: %v", err)
	}
	s2, err := m2.InsertShm(ctx, 42, memory.PageSize, PermR|PermW, backing)
	if err != nil {
		t.Fatalf("InsertShm m2: %v", err)
	}

	pte1, ok := m1.Table.Walk(memory.NewVirtAddr4K(s1))
	if !ok {
		t.Fatal("expected shm page to be eagerly mapped in m1")
	}
	pte2, ok := m2.Table.Walk(memory.NewVirtAddr4K(s2))
	if !ok {
		t.Fatal("expected shm page to be eagerly mapped in m2")
	}
	if pte1.PPN() != pte2.PPN() {
		t.Fatal("both address spaces should share the same shm frame")
	}
}
