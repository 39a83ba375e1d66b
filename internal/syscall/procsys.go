package syscall

import (
	"context"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// sysCloneHandler implements clone(2): flags, stack, ptid, tls, ctid. The
// new thread/process starts runnable with a0=0 in its own trap context, a1
// becomes its stack pointer when non-zero (thread creation always supplies
// one; plain fork(2), wired through clone with flags=SIGCHLD only, leaves
// it zero to keep the parent's stack pointer as the child inherited it).
func sysCloneHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	flags := CloneFlags(uint32(a[0]))
	child, err := p.Clone(flags)
	if err != nil {
		return 0, wrapErrno(err, errno.EAGAIN)
	}
	if a[1] != 0 {
		child.TrapContext().SetSP(a[1])
	}
	child.TrapContext().SetReturn(0)
	return uintptr(child.PID()), 0
}

// sysExecveHandler implements execve(2): path, argv, envp. There is no ELF
// loader in scope (spec section 8's boot contract is a documented stub),
// so the named file is resolved only far enough to confirm it exists; the
// new program image starts at the fixed flat-image entry address
// config.DefaultLayout.UserDataStart, matching the single-segment layout
// internal/boot documents instead of parsing program headers out of it.
func sysExecveHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	path, e := readPath(ctx, p, a[0])
	if e != 0 {
		return 0, e
	}
	argv, e := readCStrArray(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	envp, e := readCStrArray(ctx, p, a[2])
	if e != 0 {
		return 0, e
	}
	if k.Root != nil {
		if _, err := k.Root.Lookup(ctx, path); err != nil {
			return 0, wrapErrno(err, errno.ENOENT)
		}
	}
	if len(argv) == 0 {
		argv = []string{path}
	}
	entry := config.DefaultLayout.UserDataStart
	auxv := vmarea.DefaultAuxv(0, 0, 0, entry)
	if err := p.Exec(memory.VirtAddr(entry), argv, envp, auxv); err != nil {
		return 0, wrapErrno(err, errno.ENOMEM)
	}
	return 0, 0
}

// sysWait4Handler implements wait4(2): pid, wstatus, options, rusage. The
// reduced option set accepted here ignores WNOHANG/WUNTRACED (spec section
// 1's non-goals exclude job control); a caller that only ever waits for an
// already-exited or about-to-exit child observes the same result either
// way.
func sysWait4Handler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	wpid := int(int32(a[0]))
	childPID, exitCode, err := p.Wait4(ctx, wpid)
	if err != nil {
		return 0, wrapErrno(err, errno.ECHILD)
	}
	if a[1] != 0 {
		status := uint32(exitCode&0xff) << 8
		out := uaccess.New[uint32](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.Out)
		if err := out.Write(ctx, status); err != nil {
			return 0, wrapErrno(err, errno.EFAULT)
		}
	}
	return uintptr(childPID), 0
}

// sysExitHandler implements exit(2)/exit_group(2): both tear down the
// calling process identically at this reduced thread-group granularity (no
// distinct "kill every thread in the group" step beyond what Process.Exit
// already does), matching the shared map entry in syscall.go.
func sysExitHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	p.Exit(int(int32(a[0])))
	return 0, 0
}

// sysGetpidHandler implements getpid(2).
func sysGetpidHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return uintptr(p.TGID()), 0
}

// sysGetppidHandler implements getppid(2).
func sysGetppidHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return uintptr(p.PPID()), 0
}

// sysGettidHandler implements gettid(2): under this reduced thread model
// every Process value is itself one kernel-visible thread, so its own PID
// doubles as its tid, matching CLONE_THREAD children sharing a TGID but
// keeping distinct PIDs.
func sysGettidHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return uintptr(p.PID()), 0
}

// sysSetTidAddressHandler implements set_tid_address(2): the clear_child_tid
// address itself is not retained (CLONE_CHILD_CLEARTID's "clear and futex-
// wake on exit" protocol is not implemented — no other part of this kernel
// core reads the stored address back), but the syscall still reports this
// thread's id, the part every libc caller actually depends on.
func sysSetTidAddressHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return uintptr(p.PID()), 0
}
