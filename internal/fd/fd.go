// Package fd implements the per-process file-descriptor table from spec
// section 3: a mapping from small non-negative integers to open file
// objects, with fds 0/1/2 pre-populated with stdin/stdout/stderr. It is
// grounded on biscuit's fd.Fd_t/Copyfd (biscuit's own fd table proper —
// the array-of-slots and free-index search — lives in its trimmed
// fdops/proc packages, so the table type itself is written fresh here,
// following Fd_t's Fops/Perms shape for the per-descriptor record).
package fd

import (
	"fmt"
	"sync"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/vfs"
)

// Perm mirrors biscuit's Fd_t permission bits (fd/fd.go): the access mode
// a descriptor was opened with, independent of the file's own permission
// checks.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	CloExec
)

// Descriptor is one open file-descriptor slot: a file reference plus the
// permission and close-on-exec bits under which it was opened, biscuit's
// Fd_t re-expressed against this module's vfs.FileRef instead of
// biscuit's Fdops_i.
type Descriptor struct {
	File vfs.FileRef
	Perm Perm
	// Offset is the implicit file position plain read(2)/write(2) advance,
	// as opposed to the pread/pwrite-style explicit-offset ReadAt/WriteAt
	// vfs.FileRef itself exposes.
	Offset int64
}

// Table is a process's fd table, spec section 3: an index -> Descriptor
// map with the smallest-unused-index allocation policy spec section 8
// requires of Alloc, shared across threads under CLONE_FILES and
// protected by its own lock per spec section 5 ("FD-table insert/remove
// is atomic under a per-table lock").
type Table struct {
	mu      sync.Mutex
	entries map[int]*Descriptor
	limit   int
}

// DefaultLimit is the default EMFILE ceiling on simultaneously open fds
// per table, matching a conservative stand-in for RLIMIT_NOFILE.
const DefaultLimit = 1024

// NewTable creates an empty table with fds 0/1/2 pre-populated from
// stdin/stdout/stderr, per spec section 3.
func NewTable(stdin, stdout, stderr vfs.FileRef) *Table {
	t := &Table{entries: make(map[int]*Descriptor), limit: DefaultLimit}
	t.entries[0] = &Descriptor{File: stdin, Perm: PermRead}
	t.entries[1] = &Descriptor{File: stdout, Perm: PermWrite}
	t.entries[2] = &Descriptor{File: stderr, Perm: PermWrite}
	return t
}

// smallestFree returns the lowest fd >= from not currently occupied.
// Linear scan over a map is the simplest correct implementation at the
// scale a single process's fd table reaches in the test harness; biscuit
// itself does the equivalent scan over a small fixed-size slice.
func (t *Table) smallestFree(from int) int {
	for i := from; ; i++ {
		if _, ok := t.entries[i]; !ok {
			return i
		}
	}
}

// Alloc installs file at the smallest unused fd >= 0 and returns it, per
// spec section 8's invariant ("FD-table allocator: returned fd is the
// smallest unused index"). The fd is usable immediately, before Alloc
// returns, since the insertion happens under the table's lock before it
// is released (spec section 5).
func (t *Table) Alloc(file vfs.FileRef, perm Perm) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.limit {
		return -1, fmt.Errorf("fd: %w: table limit %d reached", errno.EMFILE, t.limit)
	}
	fd := t.smallestFree(0)
	t.entries[fd] = &Descriptor{File: file, Perm: perm}
	return fd, nil
}

// AllocAt installs file at exactly fd, closing whatever was previously
// there (dup2/dup3 semantics). It never fails on fd already being in use.
func (t *Table) AllocAt(fd int, file vfs.FileRef, perm Perm) error {
	if fd < 0 {
		return fmt.Errorf("fd: %w: negative fd %d", errno.EBADF, fd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.limit {
		if _, exists := t.entries[fd]; !exists {
			return fmt.Errorf("fd: %w: table limit %d reached", errno.EMFILE, t.limit)
		}
	}
	t.entries[fd] = &Descriptor{File: file, Perm: perm}
	return nil
}

// Get returns the descriptor at fd.
func (t *Table) Get(fd int) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[fd]
	if !ok {
		return nil, fmt.Errorf("fd: %w: no such descriptor %d", errno.EBADF, fd)
	}
	return d, nil
}

// Close removes fd from the table.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[fd]; !ok {
		return fmt.Errorf("fd: %w: no such descriptor %d", errno.EBADF, fd)
	}
	delete(t.entries, fd)
	return nil
}

// Dup installs a new descriptor referencing the same file as fd at the
// smallest unused index, clearing CloExec (plain dup(2) semantics).
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	src, ok := t.entries[fd]
	if !ok {
		t.mu.Unlock()
		return -1, fmt.Errorf("fd: %w: no such descriptor %d", errno.EBADF, fd)
	}
	perm := src.Perm &^ CloExec
	file := src.File
	t.mu.Unlock()
	return t.Alloc(file, perm)
}

// Dup3 installs a descriptor referencing the same file as oldfd at
// exactly newfd, applying cloExec, and fails EINVAL if oldfd == newfd
// (matching dup3(2), which forbids that as a no-op call).
func (t *Table) Dup3(oldfd, newfd int, cloExec bool) error {
	if oldfd == newfd {
		return fmt.Errorf("fd: %w: dup3 oldfd == newfd", errno.EINVAL)
	}
	t.mu.Lock()
	src, ok := t.entries[oldfd]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("fd: %w: no such descriptor %d", errno.EBADF, oldfd)
	}
	perm := src.Perm &^ CloExec
	if cloExec {
		perm |= CloExec
	}
	file := src.File
	t.mu.Unlock()
	return t.AllocAt(newfd, file, perm)
}

// Fork duplicates the table for a clone(2) child that does not share fds
// (CLONE_FILES unset): every descriptor is copied into a fresh table
// referencing the same underlying vfs.FileRef, matching POSIX fork's
// "fd table is duplicated, open files are shared" semantics.
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &Table{entries: make(map[int]*Descriptor, len(t.entries)), limit: t.limit}
	for fd, d := range t.entries {
		cp := *d
		out.entries[fd] = &cp
	}
	return out
}

// CloseOnExec removes every descriptor carrying CloExec, called by
// execve(2) before installing the new program's address space.
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, d := range t.entries {
		if d.Perm&CloExec != 0 {
			delete(t.entries, fd)
		}
	}
}
