package syscall

import (
	"context"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
)

// AT_FDCWD is the dirfd value the *at(2) family uses to mean "resolve
// against the caller's current working directory" rather than an open
// directory fd.
const atFDCWD = -100

// Open flags this dispatcher recognizes, Linux's generic O_* bit layout.
const (
	oRDONLY = 0x0
	oWRONLY = 0x1
	oRDWR   = 0x2
	oACCMODE = 0x3
	oCREAT  = 0x40
	oCLOEXEC = 0x80000
)

// mmap prot/flags bits, Linux's generic layout.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

// readPath reads a NUL-terminated path string from user memory at addr.
func readPath(ctx context.Context, p ProcessView, addr uint64) (string, errno.Errno) {
	ptr := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(addr), uaccess.In)
	s, err := ptr.ReadCStr(ctx)
	if err != nil {
		return "", wrapErrno(err, errno.EFAULT)
	}
	return s, 0
}

// readCStrArray reads a NUL-terminated array of NUL-terminated string
// pointers, the argv/envp convention execve(2) and clone(2)'s callers use.
func readCStrArray(ctx context.Context, p ProcessView, addr uint64) ([]string, errno.Errno) {
	if addr == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; ; i++ {
		elemPtr := uaccess.New[uint64](p.Uaccess(), memory.VirtAddr(addr)+memory.VirtAddr(i*8), uaccess.In)
		strAddr, err := elemPtr.Read(ctx)
		if err != nil {
			return nil, wrapErrno(err, errno.EFAULT)
		}
		if strAddr == 0 {
			return out, 0
		}
		s, e := readPath(ctx, p, strAddr)
		if e != 0 {
			return nil, e
		}
		out = append(out, s)
	}
}

// resolveDir returns the directory FileRef dirfd names: either the
// harness-supplied root (AT_FDCWD — there is no mounted filesystem to walk
// the cwd path string against, spec section 1's non-goals) or an already
// open fd's file.
func resolveDir(k *Kernel, p ProcessView, dirfd int) (vfs.FileRef, errno.Errno) {
	if dirfd == atFDCWD {
		if k.Root == nil {
			return nil, errno.ENOENT
		}
		return k.Root, 0
	}
	d, err := p.Files().Get(dirfd)
	if err != nil {
		return nil, wrapErrno(err, errno.EBADF)
	}
	return d.File, 0
}
