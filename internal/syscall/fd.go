package syscall

import (
	"context"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/fd"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
)

// sysReadHandler implements read(2): fd, buf, count.
func sysReadHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	d, err := p.Files().Get(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	if d.Perm&fd.PermRead == 0 {
		return 0, errno.EACCES
	}
	buf := make([]byte, a[2])
	n, rerr := d.File.ReadAt(ctx, d.Offset, buf)
	if rerr != nil && n == 0 {
		return 0, wrapErrno(rerr, errno.EINVAL)
	}
	out := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.Out)
	if err := out.WriteArray(ctx, buf[:n]); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	d.Offset += int64(n)
	return uintptr(n), 0
}

// sysWriteHandler implements write(2): fd, buf, count.
func sysWriteHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	d, err := p.Files().Get(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	if d.Perm&fd.PermWrite == 0 {
		return 0, errno.EACCES
	}
	in := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.In)
	buf, rerr := in.ReadArray(ctx, int(a[2]))
	if rerr != nil {
		return 0, wrapErrno(rerr, errno.EFAULT)
	}
	n, werr := d.File.WriteAt(ctx, d.Offset, buf)
	if werr != nil && n == 0 {
		return 0, wrapErrno(werr, errno.EINVAL)
	}
	d.Offset += int64(n)
	return uintptr(n), 0
}

// iovec mirrors struct iovec's layout for writev(2).
type iovec struct {
	Base uint64
	Len  uint64
}

// sysWritevHandler implements writev(2): fd, iov, iovcnt. Each iovec is
// written in turn through the same implicit file offset plain write(2)
// advances, matching writev's "as if by a single write" ordering.
func sysWritevHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	d, err := p.Files().Get(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	if d.Perm&fd.PermWrite == 0 {
		return 0, errno.EACCES
	}
	iovPtr := uaccess.New[iovec](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.In)
	iovs, rerr := iovPtr.ReadArray(ctx, int(a[2]))
	if rerr != nil {
		return 0, wrapErrno(rerr, errno.EFAULT)
	}
	var total int
	for _, v := range iovs {
		if v.Len == 0 {
			continue
		}
		in := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(v.Base), uaccess.In)
		buf, rerr := in.ReadArray(ctx, int(v.Len))
		if rerr != nil {
			if total > 0 {
				break
			}
			return 0, wrapErrno(rerr, errno.EFAULT)
		}
		n, werr := d.File.WriteAt(ctx, d.Offset, buf)
		d.Offset += int64(n)
		total += n
		if werr != nil {
			break
		}
	}
	return uintptr(total), 0
}

// sysOpenatHandler implements openat(2): dirfd, path, flags, mode. Path
// resolution is a single Lookup call against the directory named by
// dirfd — there is no mounted, multi-component filesystem tree to walk
// (spec section 1's non-goals), so a path containing '/' is resolved as
// one opaque name, a deliberately reduced but not silently wrong subset.
func sysOpenatHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	dir, e := resolveDir(k, p, int(int32(a[0])))
	if e != 0 {
		return 0, e
	}
	name, e := readPath(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	flags := a[2]

	file, err := dir.Lookup(ctx, name)
	if err != nil {
		if flags&oCREAT == 0 {
			return 0, wrapErrno(err, errno.ENOENT)
		}
		file, err = dir.Create(ctx, name, vfs.KindRegular)
		if err != nil {
			return 0, wrapErrno(err, errno.EACCES)
		}
	}

	var perm fd.Perm
	switch flags & oACCMODE {
	case oRDONLY:
		perm = fd.PermRead
	case oWRONLY:
		perm = fd.PermWrite
	case oRDWR:
		perm = fd.PermRead | fd.PermWrite
	}
	if flags&oCLOEXEC != 0 {
		perm |= fd.CloExec
	}
	newFD, err := p.Files().Alloc(file, perm)
	if err != nil {
		return 0, wrapErrno(err, errno.EMFILE)
	}
	return uintptr(newFD), 0
}

// sysCloseHandler implements close(2).
func sysCloseHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if err := p.Files().Close(int(int32(a[0]))); err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	return 0, 0
}

// sysPipe2Handler implements pipe2(2): fds[2], flags. There is no mounted
// filesystem to create a pipe inode against, so the pipe ends come from
// Kernel.PipeFactory, the harness-supplied in-memory pipe (spec section
// 10's pipe-backpressure property exercises it directly).
func sysPipe2Handler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if k.PipeFactory == nil {
		return 0, errno.EINVAL
	}
	read, write := k.PipeFactory()
	readFD, err := p.Files().Alloc(read, fd.PermRead)
	if err != nil {
		return 0, wrapErrno(err, errno.EMFILE)
	}
	writeFD, err := p.Files().Alloc(write, fd.PermWrite)
	if err != nil {
		p.Files().Close(readFD)
		return 0, wrapErrno(err, errno.EMFILE)
	}
	out := uaccess.New[int32](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.Out)
	if err := out.WriteArray(ctx, []int32{int32(readFD), int32(writeFD)}); err != nil {
		p.Files().Close(readFD)
		p.Files().Close(writeFD)
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

// sysDupHandler implements dup(2).
func sysDupHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	newFD, err := p.Files().Dup(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	return uintptr(newFD), 0
}

// sysDup3Handler implements dup3(2): oldfd, newfd, flags.
func sysDup3Handler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if err := p.Files().Dup3(int(int32(a[0])), int(int32(a[1])), a[2]&oCLOEXEC != 0); err != nil {
		return 0, wrapErrno(err, errno.EINVAL)
	}
	return uintptr(a[1]), 0
}
