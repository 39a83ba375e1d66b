package uaccess

import (
	"context"
	"testing"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// fakeStore backs both pagetable.PageStore and vmarea.FrameData with plain
// host memory, the same trick internal/vmarea's own tests use.
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
	b := f.Bytes(p)
	for i := range b {
		b[i] = 0
	}
}

func newTestValidator(t *testing.T) (*Validator, *vmarea.Manager) {
	t.Helper()
	store := newFakeStore()
	table, err := pagetable.New(store, store)
	if err != nil {
		t.Fatalf("pagetable.New: %v", err)
	}
	frames := memory.NewBitmapAllocator(1000, 1000)
	shared := memory.NewSharedFrames(1000, 1000)
	areas := vmarea.NewManager(table, frames, shared, store, config.DefaultLayout)

	sum := trap.NewSUMDepth(func(enabled bool) {})
	probe := trap.NewProbe(areas)

	return &Validator{
		Faulter: areas,
		Table:   table,
		Probe:   probe,
		SUM:     sum,
		Direct:  store,
	}, areas
}

func TestPtrReadWriteRoundTrip(t *testing.T) {
	v, areas := newTestValidator(t)
	ctx := context.Background()

	start, err := areas.InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}

	p := New[uint64](v, start, InOut)
	if err := p.Write(ctx, 0xdeadbeef); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := p.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("got %#x, want %#x", got, 0xdeadbeef)
	}
}

func TestPtrWriteCStrThenReadCStr(t *testing.T) {
	v, areas := newTestValidator(t)
	ctx := context.Background()

	start, err := areas.InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}

	p := New[byte](v, start, InOut)
	if err := p.WriteCStr(ctx, "hello"); err != nil {
		t.Fatalf("WriteCStr: %v", err)
	}
	got, err := p.ReadCStr(ctx)
	if err != nil {
		t.Fatalf("ReadCStr: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestPtrReadCStrFaultsAtUnmappedPage(t *testing.T) {
	v, areas := newTestValidator(t)
	ctx := context.Background()

	// A one-page area with no NUL byte anywhere: the scan must hit EFAULT
	// once it walks off the end of the mapped page, never return partial
	// data (spec section 8's boundary behavior).
	start, err := areas.InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}
	fill := New[byte](v, start, Out)
	nonzero := make([]byte, memory.PageSize)
	for i := range nonzero {
		nonzero[i] = 'a'
	}
	if err := fill.WriteArray(ctx, nonzero); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Start the scan three bytes before the area's end: the scan runs off
	// the mapped page before it ever finds a NUL.
	p := New[byte](v, start+memory.VirtAddr(memory.PageSize-3), In)
	_, err = p.ReadCStr(ctx)
	if err == nil {
		t.Fatal("expected EFAULT scanning past the mapped page, got nil")
	}
}

func TestPtrReadArrayWriteArray(t *testing.T) {
	v, areas := newTestValidator(t)
	ctx := context.Background()

	start, err := areas.InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}

	p := New[uint32](v, start, InOut)
	want := []uint32{1, 2, 3, 4, 5}
	if err := p.WriteArray(ctx, want); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	got, err := p.ReadArray(ctx, len(want))
	if err != nil {
		t.Fatalf("ReadArray: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPtrWrongModePanics(t *testing.T) {
	v, areas := newTestValidator(t)
	start, err := areas.InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}
	p := New[uint64](v, start, In)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing through an In-mode Ptr")
		}
	}()
	_ = p.Write(context.Background(), 1)
}
