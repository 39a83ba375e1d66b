package syscall

import (
	"context"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/vmarea"
)

func protToPerm(prot uint64) vmarea.Perm {
	var perm vmarea.Perm
	if prot&protRead != 0 {
		perm |= vmarea.PermR
	}
	if prot&protWrite != 0 {
		perm |= vmarea.PermW
	}
	if prot&protExec != 0 {
		perm |= vmarea.PermX
	}
	return perm
}

// sysBrkHandler implements brk(2): a newBrk of 0 queries the current break
// without changing it, matching glibc's probing convention.
func sysBrkHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	target := memory.VirtAddr(a[0])
	if target == 0 {
		return uintptr(p.VM().HeapBreak()), 0
	}
	newBreak, err := p.VM().ResetHeapBreak(target)
	if err != nil {
		return uintptr(p.VM().HeapBreak()), wrapErrno(err, errno.ENOMEM)
	}
	return uintptr(newBreak), 0
}

// sysMmapHandler implements mmap(2): addr, length, prot, flags, fd, offset.
func sysMmapHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	addr := memory.VirtAddr(a[0])
	length := a[1]
	perm := protToPerm(a[2])
	flags := a[3]
	fdNum := int32(a[4])
	offset := int64(a[5])

	fixed := flags&mapFixed != 0
	vm := p.VM()

	if flags&mapAnonymous != 0 {
		if fixed {
			if err := vm.InsertMmapAnonymousAt(addr, length, perm); err != nil {
				return 0, wrapErrno(err, errno.ENOMEM)
			}
			return uintptr(addr), 0
		}
		start, err := vm.InsertMmapAnonymous(length, perm)
		if err != nil {
			return 0, wrapErrno(err, errno.ENOMEM)
		}
		return uintptr(start), 0
	}

	d, err := p.Files().Get(int(fdNum))
	if err != nil {
		return 0, wrapErrno(err, errno.EBADF)
	}

	if flags&mapShared != 0 {
		attr, aerr := d.File.Attr(ctx)
		if aerr != nil {
			return 0, wrapErrno(aerr, errno.EINVAL)
		}
		start, serr := vm.InsertShm(ctx, attr.Ino, length, perm, d.File)
		if serr != nil {
			return 0, wrapErrno(serr, errno.ENOMEM)
		}
		return uintptr(start), 0
	}

	if fixed {
		if err := vm.InsertMmapPrivateAt(addr, d.File, offset, length, perm); err != nil {
			return 0, wrapErrno(err, errno.ENOMEM)
		}
		return uintptr(addr), 0
	}
	start, perr := vm.InsertMmapPrivate(d.File, offset, length, perm)
	if perr != nil {
		return 0, wrapErrno(perr, errno.ENOMEM)
	}
	return uintptr(start), 0
}

// sysMunmapHandler implements munmap(2): addr, length.
func sysMunmapHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if err := p.VM().UnmapRange(memory.VirtAddr(a[0]), a[1]); err != nil {
		return 0, wrapErrno(err, errno.EINVAL)
	}
	return 0, 0
}

// sysMprotectHandler implements mprotect(2): addr, length, prot.
func sysMprotectHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if err := p.VM().RemapRange(memory.VirtAddr(a[0]), a[1], protToPerm(a[2])); err != nil {
		return 0, wrapErrno(err, errno.EINVAL)
	}
	return 0, 0
}
