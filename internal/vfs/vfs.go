// Package vfs defines the VfsFileRef trait boundary the core consumes
// (spec section 6). The filesystem stack itself — FAT32 parser, VFS
// cache, procfs, devfs, pipes — is out of scope (spec section 1); this
// package only pins down the interface concrete implementors outside the
// core must satisfy.
package vfs

import (
	"context"

	"github.com/mankoros/mankoros/internal/memory"
)

// MmapKind distinguishes a private (copy-on-write-eligible) page fetch
// from a shared one, mirroring the distinction spec section 4.4 draws
// between "private" and "shm" mmap kinds.
type MmapKind int

const (
	MmapPrivate MmapKind = iota
	MmapShared
)

// PollKind selects which readiness condition Poll waits for.
type PollKind int

const (
	PollRead PollKind = iota
	PollWrite
)

// Attr mirrors the subset of file metadata the core's fstat/newfstatat
// handlers need.
type Attr struct {
	Size  int64
	Mode  uint32
	Ino   uint64
	Dev   uint64
	Rdev  uint64
}

// FileRef is the VfsFileRef trait from spec section 6: the capability set
// a concrete file, pipe end, procfs node, stdio stream, or zero device
// must implement to be usable through an Fd or a private mmap area.
type FileRef interface {
	Attr(ctx context.Context) (Attr, error)
	ReadAt(ctx context.Context, offset int64, buf []byte) (int, error)
	WriteAt(ctx context.Context, offset int64, buf []byte) (int, error)
	GetPage(ctx context.Context, offset int64, kind MmapKind) (memory.PhysAddr4K, error)
	Truncate(ctx context.Context, length int64) error
	PollReady(ctx context.Context, offset int64, length int, kind PollKind) (int, error)
	List(ctx context.Context) ([]DirEntry, error)
	Lookup(ctx context.Context, name string) (FileRef, error)
	Create(ctx context.Context, name string, kind FileKind) (FileRef, error)
	Remove(ctx context.Context, name string) error
}

// DirEntry names a child in a List result.
type DirEntry struct {
	Name string
	Ref  FileRef
}

// FileKind distinguishes the kind of node Create should make.
type FileKind int

const (
	KindRegular FileKind = iota
	KindDirectory
)
