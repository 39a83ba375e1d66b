package syscall

import (
	"context"
	"encoding/binary"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
)

// statLinux mirrors the fields of Linux's struct stat this dispatcher
// populates; it is not byte-for-byte the kernel ABI layout (there is no
// real hardware ABI to match in a hosted test harness), just a fixed,
// self-consistent struct fstat/newfstatat write through a uaccess.Ptr.
type statLinux struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
}

func attrToStat(a vfs.Attr) statLinux {
	return statLinux{
		Dev: a.Dev, Ino: a.Ino, Mode: a.Mode, Nlink: 1,
		Rdev: a.Rdev, Size: a.Size, Blksize: memory.PageSize,
		Blocks: (a.Size + 511) / 512,
	}
}

// sysFstatHandler implements fstat(2): fd, statbuf.
func sysFstatHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	d, err := p.Files().Get(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	attr, aerr := d.File.Attr(ctx)
	if aerr != nil {
		return 0, wrapErrno(aerr, errno.EINVAL)
	}
	out := uaccess.New[statLinux](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.Out)
	if err := out.Write(ctx, attrToStat(attr)); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

// sysNewfstatatHandler implements newfstatat(2): dirfd, path, statbuf,
// flags. An empty path with AT_EMPTY_PATH-style flags stats dirfd itself.
func sysNewfstatatHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	dir, e := resolveDir(k, p, int(int32(a[0])))
	if e != 0 {
		return 0, e
	}
	name, e := readPath(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	target := dir
	if name != "" {
		f, err := dir.Lookup(ctx, name)
		if err != nil {
			return 0, wrapErrno(err, errno.ENOENT)
		}
		target = f
	}
	attr, aerr := target.Attr(ctx)
	if aerr != nil {
		return 0, wrapErrno(aerr, errno.EINVAL)
	}
	out := uaccess.New[statLinux](p.Uaccess(), memory.VirtAddr(a[2]), uaccess.Out)
	if err := out.Write(ctx, attrToStat(attr)); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

const directoryTypeUnknown = 0

// sysGetdentsHandler implements getdents64(2): fd, buf, count. d.Offset
// is reused as the count of entries already returned to a prior call on
// the same fd, standing in for the real directory-stream cursor a mounted
// filesystem would track (spec section 1 excludes a mounted filesystem).
func sysGetdentsHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	d, err := p.Files().Get(int(int32(a[0])))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}
	entries, lerr := d.File.List(ctx)
	if lerr != nil {
		return 0, wrapErrno(lerr, errno.ENOTDIR)
	}
	start := int(d.Offset)
	if start > len(entries) {
		start = len(entries)
	}
	count := int(a[2])
	var buf []byte
	consumed := 0
	for i := start; i < len(entries); i++ {
		name := entries[i].Name
		reclen := ((19 + len(name) + 1) + 7) &^ 7
		if len(buf)+reclen > count {
			break
		}
		rec := make([]byte, reclen)
		binary.LittleEndian.PutUint64(rec[0:8], uint64(i))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(i+1))
		binary.LittleEndian.PutUint16(rec[16:18], uint16(reclen))
		rec[18] = directoryTypeUnknown
		copy(rec[19:], name)
		buf = append(buf, rec...)
		consumed++
	}
	if consumed > 0 {
		out := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.Out)
		if err := out.WriteArray(ctx, buf); err != nil {
			return 0, wrapErrno(err, errno.EFAULT)
		}
		d.Offset += int64(consumed)
	}
	return uintptr(len(buf)), 0
}

// sysChdirHandler implements chdir(2).
func sysChdirHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	path, e := readPath(ctx, p, a[0])
	if e != 0 {
		return 0, e
	}
	p.FS().Chdir(path)
	return 0, 0
}

// sysGetcwdHandler implements getcwd(2): buf, size.
func sysGetcwdHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	cwd := p.FS().Getcwd()
	if uint64(len(cwd)+1) > a[1] {
		return 0, errno.ERANGE
	}
	out := uaccess.New[byte](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.Out)
	if err := out.WriteCStr(ctx, cwd); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return uintptr(a[0]), 0
}

// sysLinkatHandler implements linkat(2). vfs.FileRef has no hardlink
// primitive (Create always makes a fresh node, Remove always drops the
// last reference to one) — there is no way to alias two directory entries
// onto the same inode through this trait, so linkat is accepted but always
// reports failure rather than silently copying the file.
func sysLinkatHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return 0, errno.EPERM
}

// sysUnlinkatHandler implements unlinkat(2): dirfd, path, flags.
func sysUnlinkatHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	dir, e := resolveDir(k, p, int(int32(a[0])))
	if e != 0 {
		return 0, e
	}
	name, e := readPath(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	if err := dir.Remove(ctx, name); err != nil {
		return 0, wrapErrno(err, errno.ENOENT)
	}
	return 0, 0
}

// sysMkdiratHandler implements mkdirat(2): dirfd, path, mode.
func sysMkdiratHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	dir, e := resolveDir(k, p, int(int32(a[0])))
	if e != 0 {
		return 0, e
	}
	name, e := readPath(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	if _, err := dir.Create(ctx, name, vfs.KindDirectory); err != nil {
		return 0, wrapErrno(err, errno.EEXIST)
	}
	return 0, 0
}

// sysUmountHandler and sysMountHandler are no-ops: there is no mount table
// behind a single harness-supplied root (spec section 1's non-goals), so
// both succeed trivially rather than rejecting every test script that
// calls them during setup.
func sysUmountHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return 0, 0
}

func sysMountHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return 0, 0
}
