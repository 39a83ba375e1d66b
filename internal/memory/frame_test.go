package memory

import (
	"errors"
	"testing"

	"github.com/mankoros/mankoros/internal/errno"
)

func TestBitmapAllocatorAllocDealloc(t *testing.T) {
	a := NewBitmapAllocator(1000, 4)
	if got := a.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() = %d, want 4", got)
	}

	p, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if p != 1000 {
		t.Fatalf("Alloc() = %d, want 1000", p)
	}
	if got := a.FreeCount(); got != 3 {
		t.Fatalf("FreeCount() after alloc = %d, want 3", got)
	}

	a.Dealloc(p)
	if got := a.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() after dealloc = %d, want 4", got)
	}
}

func TestBitmapAllocatorRoundTripLeavesBitmapUnchanged(t *testing.T) {
	a := NewBitmapAllocator(0, 128)
	before := append([]uint64(nil), a.bits...)

	p, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	a.Dealloc(p)

	for i := range before {
		if before[i] != a.bits[i] {
			t.Fatalf("bitmap word %d changed across alloc/dealloc: %#x != %#x", i, before[i], a.bits[i])
		}
	}
}

func TestBitmapAllocatorExhaustion(t *testing.T) {
	a := NewBitmapAllocator(0, 2)
	if _, err := a.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(); err != nil {
		t.Fatal(err)
	}
	_, err := a.Alloc()
	if !errors.Is(err, errno.ENOMEM) {
		t.Fatalf("Alloc() on exhausted allocator error = %v, want ENOMEM", err)
	}
}

func TestBitmapAllocatorContiguousAlignment(t *testing.T) {
	a := NewBitmapAllocator(0, 16)
	// Consume frame 0 so the next free-aligned run of 4 must start at 4,
	// not 1.
	if _, err := a.Alloc(); err != nil {
		t.Fatal(err)
	}
	p, err := a.AllocContiguous(4, 2) // align to 4 pages
	if err != nil {
		t.Fatal(err)
	}
	if p%4 != 0 {
		t.Fatalf("AllocContiguous() = %d, not aligned to 4", p)
	}
	for i := PhysPageNum(0); i < 4; i++ {
		if a.rangeFree(uint64(p+i), 1) {
			t.Fatalf("frame %d should be marked allocated", p+i)
		}
	}
}

func TestBitmapAllocatorDoubleFreePanics(t *testing.T) {
	a := NewBitmapAllocator(0, 2)
	p, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	a.Dealloc(p)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.Dealloc(p)
}
