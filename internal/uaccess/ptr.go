// Package uaccess implements the typed user-pointer validator from spec
// section 4.6: a handle that, before touching user memory, walks the area
// map page-by-page through trap.Probe and resolves any lazy fault that
// stands in the way, then reads or writes through the kernel's direct map
// of physical frames. It is grounded on biscuit's Userdmap8_inner/
// Userbuf_t/Useriovec_t (vm/userbuf.go), a page-at-a-time copy loop over
// an untyped byte count, re-expressed with Go generics since the
// distilled spec explicitly calls for "a typed handle" rather than
// biscuit's width-suffixed Userreadn/Userwriten helpers.
package uaccess

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// Mode is the intended access direction of a Ptr, per spec section 4.6's
// P in {In, Out, InOut}.
type Mode int

const (
	// In means data flows from user memory into the kernel: the kernel
	// reads, so the area must grant read permission.
	In Mode = iota
	// Out means data flows from the kernel into user memory: the kernel
	// writes, so the area must grant write permission.
	Out
	// InOut is both: the kernel reads the prior contents and writes new
	// ones (e.g. an in-place struct update through ioctl-style syscalls).
	InOut
)

func (m Mode) canRead() bool  { return m == In || m == InOut }
func (m Mode) canWrite() bool { return m == Out || m == InOut }

// Faulter is the narrow slice of vmarea.Manager this package needs to
// resolve a lazy fault standing in the way of an access; probing whether
// a page is mapped at all is handled separately by trap.Probe.
type Faulter interface {
	HandlePageFault(ctx context.Context, va memory.VirtAddr, access vmarea.Access) error
}

// Walker resolves a mapped virtual page to its leaf PTE; pagetable.Table
// satisfies this directly.
type Walker interface {
	Walk(v4k memory.VirtAddr4K) (pagetable.PTE, bool)
}

// PageBytes exposes a physical frame's raw contents, the kernel's direct
// map (biscuit's Physmem_t.Dmap) stood in for in a hosted Go program.
type PageBytes interface {
	Bytes(memory.PhysPageNum) []byte
}

// Validator bundles the per-hart state every Ptr needs: the probe vector,
// the SUM nesting counter, and the direct map. One Validator is shared by
// every Ptr a given syscall handler constructs.
type Validator struct {
	Faulter Faulter
	Table   Walker
	Probe   *trap.Probe
	SUM     *trap.SUMDepth
	Direct  PageBytes
}

// Ptr is a typed user pointer, spec section 4.6's UserPtr<T, P>.
type Ptr[T any] struct {
	v   *Validator
	mode Mode
	addr memory.VirtAddr
}

// New builds a Ptr at addr with the given access mode.
func New[T any](v *Validator, addr memory.VirtAddr, mode Mode) *Ptr[T] {
	return &Ptr[T]{v: v, mode: mode, addr: addr}
}

func sizeOf[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// requireRead and requireWrite report a Ptr used against an access its Mode doesn't
// permit, a programming error in the syscall handler rather than a user
// fault, so it is a panic rather than an EFAULT.
func (p *Ptr[T]) requireRead() {
	if !p.mode.canRead() {
		panic("uaccess: Read on an Out-mode Ptr")
	}
}

func (p *Ptr[T]) requireWrite() {
	if !p.mode.canWrite() {
		panic("uaccess: Write on an In-mode Ptr")
	}
}

// Read copies *p from user memory into a freshly constructed T.
func (p *Ptr[T]) Read(ctx context.Context) (T, error) {
	p.requireRead()
	var out T
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&out)), sizeOf[T]())
	if err := p.v.readBytes(ctx, p.addr, buf); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Write copies val into user memory at *p.
func (p *Ptr[T]) Write(ctx context.Context, val T) error {
	p.requireWrite()
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&val)), sizeOf[T]())
	return p.v.writeBytes(ctx, p.addr, buf)
}

// ReadArray reads n consecutive Ts starting at *p.
func (p *Ptr[T]) ReadArray(ctx context.Context, n int) ([]T, error) {
	p.requireRead()
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), uintptr(n)*sizeOf[T]())
	if err := p.v.readBytes(ctx, p.addr, buf); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteArray writes vals starting at *p.
func (p *Ptr[T]) WriteArray(ctx context.Context, vals []T) error {
	p.requireWrite()
	if len(vals) == 0 {
		return nil
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), uintptr(len(vals))*sizeOf[T]())
	return p.v.writeBytes(ctx, p.addr, buf)
}

// maxCStrLen bounds ReadCStr so a missing NUL terminator cannot spin
// forever scanning unmapped address space.
const maxCStrLen = 4096

// ReadCStr scans user memory starting at *p until a NUL byte, per spec
// section 4.6. If the mapped range ends (EFAULT) before a NUL is found,
// the partial bytes are discarded and EFAULT is returned, never partial
// data (spec section 8's boundary behavior).
func (p *Ptr[T]) ReadCStr(ctx context.Context) (string, error) {
	p.requireRead()
	var out []byte
	for i := 0; i < maxCStrLen; i++ {
		va := p.addr + memory.VirtAddr(i)
		var b [1]byte
		if err := p.v.readBytes(ctx, va, b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", errno.Wrap(errno.ENAMETOOLONG, "uaccess: cstr at %#x exceeds %d bytes", p.addr, maxCStrLen)
}

// WriteCStr writes s followed by a NUL terminator into user memory.
func (p *Ptr[T]) WriteCStr(ctx context.Context, s string) error {
	p.requireWrite()
	buf := append([]byte(s), 0)
	return p.v.writeBytes(ctx, p.addr, buf)
}

// Addr returns the pointer's user virtual address.
func (p *Ptr[T]) Addr() memory.VirtAddr { return p.addr }

// ensurePage makes sure va's containing page is present and satisfies the
// requested access, resolving a lazy or copy-on-write fault through Faulter
// if the probe reports the access would fail or the page table has no leaf
// for va that permits it yet. SUM is held by the caller for the duration of
// the whole access, not re-acquired per page.
func (v *Validator) ensurePage(ctx context.Context, va memory.VirtAddr, write bool) error {
	fails := v.Probe.WillReadFail(va)
	if write {
		fails = v.Probe.WillWriteFail(va)
	}
	if !fails {
		pte, ok := v.Table.Walk(memory.NewVirtAddr4K(va.RoundDown()))
		if ok && (!write || pte.Flags()&pagetable.FlagW != 0) {
			return nil
		}
	}
	access := vmarea.AccessRead
	if write {
		access = vmarea.AccessWrite
	}
	if err := v.Faulter.HandlePageFault(ctx, va, access); err != nil {
		return fmt.Errorf("uaccess: %w: fault resolving %#x", errno.EFAULT, va)
	}
	return nil
}

// pageOp walks [addr, addr+len(buf)) a page at a time, calling fn with the
// slice of buf covering each page and that page's backing bytes at the
// matching offset.
func (v *Validator) pageOp(ctx context.Context, addr memory.VirtAddr, buf []byte, write bool, fn func(dst, src []byte)) error {
	if len(buf) == 0 {
		return nil
	}
	v.SUM.Enter()
	defer v.SUM.Exit()

	remaining := buf
	cursor := addr
	for len(remaining) > 0 {
		pageVA := cursor.RoundDown()
		if err := v.ensurePage(ctx, pageVA, write); err != nil {
			return err
		}
		v4k := memory.NewVirtAddr4K(pageVA)
		pte, ok := v.Table.Walk(v4k)
		if !ok {
			return fmt.Errorf("uaccess: %w: %#x unmapped after fault resolution", errno.EFAULT, cursor)
		}
		page := v.Direct.Bytes(pte.PPN())
		inPage := int(cursor.Sub(pageVA))
		n := memory.PageSize - inPage
		if n > len(remaining) {
			n = len(remaining)
		}
		if write {
			fn(page[inPage:inPage+n], remaining[:n])
		} else {
			fn(remaining[:n], page[inPage:inPage+n])
		}
		cursor += memory.VirtAddr(n)
		remaining = remaining[n:]
	}
	return nil
}

func (v *Validator) readBytes(ctx context.Context, addr memory.VirtAddr, buf []byte) error {
	return v.pageOp(ctx, addr, buf, false, func(dst, src []byte) { copy(dst, src) })
}

func (v *Validator) writeBytes(ctx context.Context, addr memory.VirtAddr, buf []byte) error {
	return v.pageOp(ctx, addr, buf, true, func(dst, src []byte) { copy(dst, src) })
}
