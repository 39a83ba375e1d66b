//go:build harness

package harness

import (
	"context"
	"errors"
	"sync"

	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/vfs"
)

// PipeCapacity is the fixed backing-buffer size a harness pipe holds
// before a writer blocks, the host stand-in for the page-backed
// circular buffer biscuit's own circbuf.Circbuf_t uses for its pipes
// (_teacher_ref/circbuf, one PGSIZE-bounded buffer per pipe).
const PipeCapacity = memory.PageSize

var errNotAPipeDir = errors.New("harness: pipe: not a directory")
var errPipeNoMmap = errors.New("harness: pipe: not mmap-able")

// pipeCore is the shared ring buffer both ends of a pipe read and write
// through, grounded on _teacher_ref/circbuf's head/tail/bufsz bookkeeping,
// re-expressed with a condition variable instead of the original's
// caller-driven retry loop so ReadAt/WriteAt can block for real under
// Go's cooperative scheduling.
type pipeCore struct {
	mu           sync.Mutex
	notEmpty     *sync.Cond
	notFull      *sync.Cond
	buf          [PipeCapacity]byte
	head, tail   int
	used         int
	readClosed   bool
	writeClosed  bool
}

func newPipeCore() *pipeCore {
	c := &pipeCore{}
	c.notEmpty = sync.NewCond(&c.mu)
	c.notFull = sync.NewCond(&c.mu)
	return c
}

// NewPipe builds a connected read/write pair of vfs.FileRef pipe ends,
// suitable for wiring into syscall.Kernel.PipeFactory.
func NewPipe() (read, write vfs.FileRef) {
	c := newPipeCore()
	return &pipeReadEnd{c: c}, &pipeWriteEnd{c: c}
}

type pipeReadEnd struct{ c *pipeCore }
type pipeWriteEnd struct{ c *pipeCore }

func (e *pipeReadEnd) Attr(ctx context.Context) (vfs.Attr, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return vfs.Attr{Size: int64(e.c.used)}, nil
}

func (e *pipeWriteEnd) Attr(ctx context.Context) (vfs.Attr, error) {
	return e.c.readEndAttr(ctx)
}

func (c *pipeCore) readEndAttr(ctx context.Context) (vfs.Attr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return vfs.Attr{Size: int64(c.used)}, nil
}

// ReadAt ignores offset (a pipe has no seekable position) and blocks
// until at least one byte is available or the write end is closed,
// matching read(2)'s "return 0 at EOF, otherwise at least one byte"
// pipe contract.
func (e *pipeReadEnd) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.used == 0 && !c.writeClosed {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.notEmpty.Wait()
	}
	if c.used == 0 && c.writeClosed {
		return 0, nil
	}
	n := 0
	for n < len(buf) && c.used > 0 {
		buf[n] = c.buf[c.tail]
		c.tail = (c.tail + 1) % PipeCapacity
		c.used--
		n++
	}
	c.notFull.Broadcast()
	return n, nil
}

func (e *pipeReadEnd) WriteAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	return 0, errors.New("harness: pipe: read end is not writable")
}

// WriteAt ignores offset and blocks while the buffer is full — the
// backpressure property a pipe writer must observe — until space frees
// or the read end is gone, which reports a broken-pipe error rather
// than silently dropping bytes.
func (e *pipeWriteEnd) WriteAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	c := e.c
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(buf) {
		for c.used == PipeCapacity && !c.readClosed {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			c.notFull.Wait()
		}
		if c.readClosed {
			return n, errors.New("harness: pipe: broken pipe")
		}
		c.buf[c.head] = buf[n]
		c.head = (c.head + 1) % PipeCapacity
		c.used++
		n++
	}
	c.notEmpty.Broadcast()
	return n, nil
}

func (e *pipeWriteEnd) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	return 0, errors.New("harness: pipe: write end is not readable")
}

// Close marks this end closed, waking any peer blocked waiting on it.
func (e *pipeReadEnd) Close() {
	e.c.mu.Lock()
	e.c.readClosed = true
	e.c.mu.Unlock()
	e.c.notFull.Broadcast()
}

func (e *pipeWriteEnd) Close() {
	e.c.mu.Lock()
	e.c.writeClosed = true
	e.c.mu.Unlock()
	e.c.notEmpty.Broadcast()
}

func (e *pipeReadEnd) GetPage(ctx context.Context, offset int64, kind vfs.MmapKind) (memory.PhysAddr4K, error) {
	return memory.PhysAddr4K{}, errPipeNoMmap
}
func (e *pipeWriteEnd) GetPage(ctx context.Context, offset int64, kind vfs.MmapKind) (memory.PhysAddr4K, error) {
	return memory.PhysAddr4K{}, errPipeNoMmap
}

func (e *pipeReadEnd) Truncate(ctx context.Context, length int64) error  { return errNotAPipeDir }
func (e *pipeWriteEnd) Truncate(ctx context.Context, length int64) error { return errNotAPipeDir }

// PollReady reports readiness for the requested kind: bytes queued for a
// reader, free space for a writer.
func (e *pipeReadEnd) PollReady(ctx context.Context, offset int64, length int, kind vfs.PollKind) (int, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if kind == vfs.PollRead {
		if e.c.used == 0 {
			return 0, nil
		}
		return min(length, e.c.used), nil
	}
	return 0, nil
}

func (e *pipeWriteEnd) PollReady(ctx context.Context, offset int64, length int, kind vfs.PollKind) (int, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if kind == vfs.PollWrite {
		free := PipeCapacity - e.c.used
		if free == 0 {
			return 0, nil
		}
		return min(length, free), nil
	}
	return 0, nil
}

func (e *pipeReadEnd) List(ctx context.Context) ([]vfs.DirEntry, error)  { return nil, errNotAPipeDir }
func (e *pipeWriteEnd) List(ctx context.Context) ([]vfs.DirEntry, error) { return nil, errNotAPipeDir }

func (e *pipeReadEnd) Lookup(ctx context.Context, name string) (vfs.FileRef, error) {
	return nil, errNotAPipeDir
}
func (e *pipeWriteEnd) Lookup(ctx context.Context, name string) (vfs.FileRef, error) {
	return nil, errNotAPipeDir
}

func (e *pipeReadEnd) Create(ctx context.Context, name string, kind vfs.FileKind) (vfs.FileRef, error) {
	return nil, errNotAPipeDir
}
func (e *pipeWriteEnd) Create(ctx context.Context, name string, kind vfs.FileKind) (vfs.FileRef, error) {
	return nil, errNotAPipeDir
}

func (e *pipeReadEnd) Remove(ctx context.Context, name string) error  { return errNotAPipeDir }
func (e *pipeWriteEnd) Remove(ctx context.Context, name string) error { return errNotAPipeDir }
