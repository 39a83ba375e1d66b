// Package vmarea implements a single address space's area map: the range
// map of anonymous/private-file/shm areas, page-fault resolution, and
// copy-on-write fork, per spec section 4.4. It is grounded on biscuit's
// vm/as.go (Vmregion_t, Vminfo_t, and the Pgfault handler), whose own
// Vminfo_t/pmap_walk bodies were trimmed from the retrieval pack — only
// their call sites and field names survive there — re-expressed against
// this module's Sv39 pagetable.Table instead of biscuit's x86-64 Pmap_t.
package vmarea

import (
	"context"
	"fmt"

	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/vfs"
)

// Perm is a read/write/execute permission bitmask for an area, mirroring
// biscuit's Vminfo_t.Perms (PTE_U is implied; every user area is
// accessible to its own process).
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
)

// Flags returns the pagetable.Flags this permission implies for a leaf
// PTE backing the area, always including V and U.
func (p Perm) Flags() pagetable.Flags {
	f := pagetable.FlagV | pagetable.FlagU
	if p&PermR != 0 {
		f |= pagetable.FlagR
	}
	if p&PermW != 0 {
		f |= pagetable.FlagW
	}
	if p&PermX != 0 {
		f |= pagetable.FlagX
	}
	return f
}

// Kind distinguishes the three area backings spec section 4.4 names.
type Kind int

const (
	// KindAnonymous is zero-filled memory with no file backing: the heap,
	// BSS, and MAP_ANONYMOUS mmap regions.
	KindAnonymous Kind = iota
	// KindPrivate is a copy-on-write mapping of a file's pages (MAP_PRIVATE).
	KindPrivate
	// KindShm is a mapping shared verbatim across every area that maps the
	// same shm id; writes are visible to every mapper and are never
	// copy-on-write.
	KindShm
)

// Area is one entry in a Manager's range map: a contiguous, page-aligned
// virtual range with a single backing and permission, per spec section
// 4.4's Vminfo_t-equivalent.
type Area struct {
	Kind Kind
	Perm Perm

	// File and FileOffset are set for KindPrivate: the file-backed page at
	// virtual address va is File's page at offset FileOffset+(va-Start).
	File       vfs.FileRef
	FileOffset int64

	// ShmID identifies the shared-memory segment for KindShm; every Area
	// with the same ShmID across every address space shares the same
	// backing frames.
	ShmID uint64
}

// fetchPage returns the physical frame backing offset off into the area's
// file (KindPrivate/KindShm) or a freshly zeroed anonymous frame
// (KindAnonymous). mmapKind selects whether the VFS layer should hand back
// a page eligible for private copy-on-write sharing or a always-shared one.
func (a *Area) fetchPage(ctx context.Context, off int64) (memory.PhysAddr4K, error) {
	switch a.Kind {
	case KindAnonymous:
		return memory.PhysAddr4K{}, errAnonymousNeedsFrame
	case KindPrivate:
		return a.File.GetPage(ctx, a.FileOffset+off, vfs.MmapPrivate)
	case KindShm:
		return a.File.GetPage(ctx, off, vfs.MmapShared)
	default:
		return memory.PhysAddr4K{}, fmt.Errorf("vmarea: unknown area kind %d", a.Kind)
	}
}

// errAnonymousNeedsFrame signals the caller must allocate and zero a fresh
// frame itself; anonymous areas have no file to fetch a page from.
var errAnonymousNeedsFrame = fmt.Errorf("vmarea: anonymous area has no backing file")
