package syscall

import (
	"context"
	"runtime"
	"sync"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
)

// utsNameField is the fixed-width char array every uname(2) field uses.
type utsNameField [65]byte

func utsField(s string) utsNameField {
	var f utsNameField
	copy(f[:], s)
	return f
}

type utsname struct {
	Sysname, Nodename, Release, Version, Machine, Domainname utsNameField
}

// sysUnameHandler implements uname(2): buf.
func sysUnameHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	u := utsname{
		Sysname:  utsField("MankorOS"),
		Nodename: utsField("mankoros"),
		Release:  utsField("1.0.0"),
		Version:  utsField("#1"),
		Machine:  utsField("riscv64"),
	}
	out := uaccess.New[utsname](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.Out)
	if err := out.Write(ctx, u); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

// sysSchedYieldHandler implements sched_yield(2): it yields the host
// goroutine running this process's user loop, the hosted stand-in for
// giving up the remainder of a cooperative time slice.
func sysSchedYieldHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	runtime.Gosched()
	return 0, 0
}

type pollfd struct {
	FD      int32
	Events  int16
	Revents int16
}

const (
	pollIn  = 0x001
	pollOut = 0x004
)

// sysPpollHandler implements ppoll(2): fds, nfds, timeout, sigmask. It
// takes a single readiness pass over every fd rather than actually
// blocking until timeout or a wakeup (spec section 1's non-goal of
// preemptive scheduling means there is no interrupt to resume this call
// early on); a caller that needs to block retries the syscall, which the
// cooperative user loop's dispatch-then-resume cycle already supports.
func sysPpollHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	nfds := int(a[1])
	ptr := uaccess.New[pollfd](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.InOut)
	fds, err := ptr.ReadArray(ctx, nfds)
	if err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	ready := 0
	for i := range fds {
		fds[i].Revents = 0
		d, derr := p.Files().Get(int(fds[i].FD))
		if derr != nil {
			continue
		}
		if fds[i].Events&pollIn != 0 {
			if n, _ := d.File.PollReady(ctx, d.Offset, 1, vfs.PollRead); n > 0 {
				fds[i].Revents |= pollIn
			}
		}
		if fds[i].Events&pollOut != 0 {
			if n, _ := d.File.PollReady(ctx, d.Offset, 1, vfs.PollWrite); n > 0 {
				fds[i].Revents |= pollOut
			}
		}
		if fds[i].Revents != 0 {
			ready++
		}
	}
	if err := ptr.WriteArray(ctx, fds); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return uintptr(ready), 0
}

// sysPselect6Handler implements pselect6(2): nfds, readfds, writefds,
// exceptfds, timeout, sigmask. Each fd_set is the first 64 bits only (spec
// section 1's non-goal of full POSIX compliance covers fd numbers at or
// above 64), carrying the same single-pass readiness check as ppoll.
func sysPselect6Handler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	nfds := int(a[0])
	if nfds > 64 {
		nfds = 64
	}
	readMask, e := readFDSet(ctx, p, a[1])
	if e != 0 {
		return 0, e
	}
	writeMask, e := readFDSet(ctx, p, a[2])
	if e != 0 {
		return 0, e
	}
	var outRead, outWrite uint64
	ready := 0
	for i := 0; i < nfds; i++ {
		d, derr := p.Files().Get(i)
		if derr != nil {
			continue
		}
		if readMask&(1<<uint(i)) != 0 {
			if n, _ := d.File.PollReady(ctx, d.Offset, 1, vfs.PollRead); n > 0 {
				outRead |= 1 << uint(i)
				ready++
			}
		}
		if writeMask&(1<<uint(i)) != 0 {
			if n, _ := d.File.PollReady(ctx, d.Offset, 1, vfs.PollWrite); n > 0 {
				outWrite |= 1 << uint(i)
				ready++
			}
		}
	}
	if e := writeFDSet(ctx, p, a[1], outRead); e != 0 {
		return 0, e
	}
	if e := writeFDSet(ctx, p, a[2], outWrite); e != 0 {
		return 0, e
	}
	return uintptr(ready), 0
}

func readFDSet(ctx context.Context, p ProcessView, addr uint64) (uint64, errno.Errno) {
	if addr == 0 {
		return 0, 0
	}
	ptr := uaccess.New[uint64](p.Uaccess(), memory.VirtAddr(addr), uaccess.In)
	v, err := ptr.Read(ctx)
	if err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return v, 0
}

func writeFDSet(ctx context.Context, p ProcessView, addr uint64, mask uint64) errno.Errno {
	if addr == 0 {
		return 0
	}
	ptr := uaccess.New[uint64](p.Uaccess(), memory.VirtAddr(addr), uaccess.Out)
	if err := ptr.Write(ctx, mask); err != nil {
		return wrapErrno(err, errno.EFAULT)
	}
	return 0
}

// sysRtSigactionHandler and sysRtSigprocmaskHandler implement
// rt_sigaction(2)/rt_sigprocmask(2) against the reduced signal model spec
// section 9 scopes in: a bare pending bitset with no disposition table or
// blocked-signal mask to actually install, so both calls succeed without
// doing anything a caller could observe besides the success return.
func sysRtSigactionHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return 0, 0
}

func sysRtSigprocmaskHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	return 0, 0
}

// sysKillHandler implements kill(2). Sending to any pid other than the
// caller's own would need a process table the syscall dispatcher does not
// have (ProcessView exposes one process at a time, by design — spec
// section 2's dependency order keeps the dispatcher from importing
// internal/process), so only self-signaling is supported; anything else
// reports ESRCH rather than silently doing nothing.
func sysKillHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	pid := int(int32(a[0]))
	sig := int(a[1])
	if pid != p.PID() {
		return 0, errno.ESRCH
	}
	p.Signals().Kill(sig)
	return 0, 0
}

// futexTable is the process-wide futex wait-queue: user addresses mapped
// to the channels blocked waiters park on. Keying purely by address (with
// no address-space discriminator) is only correct for a single address
// space, which matches the one-Kernel-per-test-harness-process shape this
// module runs under; a multi-process futex would need the physical frame
// backing the address as the key instead, per the real Linux semantics.
type futexTable struct {
	mu      sync.Mutex
	waiters map[uint64][]chan struct{}
}

func (t *futexTable) wait(addr uint64) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waiters == nil {
		t.waiters = make(map[uint64][]chan struct{})
	}
	ch := make(chan struct{})
	t.waiters[addr] = append(t.waiters[addr], ch)
	return ch
}

// waitingCount reports how many waiters are currently parked on addr, used
// by tests to know a waiter has registered before waking it.
func (t *futexTable) waitingCount(addr uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters[addr])
}

func (t *futexTable) wake(addr uint64, n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	chs := t.waiters[addr]
	woken := 0
	for woken < n && woken < len(chs) {
		close(chs[woken])
		woken++
	}
	t.waiters[addr] = chs[woken:]
	return woken
}

const (
	futexWait = 0
	futexWake = 1
)

// sysFutexHandler implements a minimal futex(2): FUTEX_WAIT and
// FUTEX_WAKE only. FUTEX_PRIVATE_FLAG is accepted and ignored, since the
// waiter table above is already process-private; every other operation
// (requeue, PI, ...) fails with EINVAL.
func sysFutexHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	addr := a[0]
	op := a[1] &^ 0x80
	val := uint32(a[2])

	switch op {
	case futexWait:
		cur := uaccess.New[uint32](p.Uaccess(), memory.VirtAddr(addr), uaccess.In)
		v, err := cur.Read(ctx)
		if err != nil {
			return 0, wrapErrno(err, errno.EFAULT)
		}
		if v != val {
			return 0, errno.EAGAIN
		}
		ch := k.futex.wait(addr)
		select {
		case <-ch:
			return 0, 0
		case <-ctx.Done():
			return 0, errno.EINTR
		}
	case futexWake:
		n := k.futex.wake(addr, int(val))
		return uintptr(n), 0
	default:
		return 0, errno.EINVAL
	}
}
