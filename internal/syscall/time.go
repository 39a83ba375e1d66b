package syscall

import (
	"context"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
)

type timeval struct {
	Sec  int64
	Usec int64
}

type timespec struct {
	Sec  int64
	Nsec int64
}

type tms struct {
	Utime, Stime, Cutime, Cstime int64
}

// ticksPerSecond is the assumed sleep-queue tick rate nanosleep converts a
// requested duration against; the scheduler's own granularity
// (config.DefaultScheduler.SleepQueueGranularity) is in ticks, not wall
// time, so a fixed rate is the simplest correct mapping available without
// wiring a real timer frequency through the dispatcher.
const ticksPerSecond = 100

// sysGettimeofdayHandler implements gettimeofday(2): tv, tz. tz is always
// ignored, matching glibc's own treatment of it on every modern Linux.
func sysGettimeofdayHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if a[0] == 0 {
		return 0, 0
	}
	nano := k.Clock.NowUnixNano()
	tv := timeval{Sec: nano / 1e9, Usec: (nano % 1e9) / 1e3}
	out := uaccess.New[timeval](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.Out)
	if err := out.Write(ctx, tv); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

// sysClockGettimeHandler implements clock_gettime(2): clockid, ts. Every
// clockid reads the same wall-clock source (there is no separate monotonic
// vs. realtime clock to distinguish without a second time source wired
// into Kernel).
func sysClockGettimeHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	nano := k.Clock.NowUnixNano()
	ts := timespec{Sec: nano / 1e9, Nsec: nano % 1e9}
	out := uaccess.New[timespec](p.Uaccess(), memory.VirtAddr(a[1]), uaccess.Out)
	if err := out.Write(ctx, ts); err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	return 0, 0
}

// sysNanosleepHandler implements nanosleep(2): req, rem. The sleep itself
// is delegated to Kernel.Sleep, the cooperative-scheduler hook that parks
// the calling goroutine on internal/sched.SleepQueue — wiring that
// directly here would import the executor into the dispatcher, inverting
// spec section 2's dependency order. A Kernel with no Sleep hook configured
// (a minimal unit-test harness exercising only the syscall table) returns
// immediately rather than blocking forever.
func sysNanosleepHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	in := uaccess.New[timespec](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.In)
	req, err := in.Read(ctx)
	if err != nil {
		return 0, wrapErrno(err, errno.EFAULT)
	}
	if k.Sleep == nil {
		return 0, 0
	}
	ticks := uint64(req.Sec)*ticksPerSecond + uint64(req.Nsec)*ticksPerSecond/1e9
	if serr := k.Sleep(ctx, ticks); serr != nil {
		return 0, wrapErrno(serr, errno.EINTR)
	}
	return 0, 0
}

// sysTimesHandler implements times(2): buf. The return value is the
// dispatcher's own clock tick count, per times(2)'s "clock ticks since an
// arbitrary point in the past" contract; there are no child processes'
// accumulated times to report separately from the calling process's own
// (cutime/cstime are always zero), since Process does not fold a reaped
// child's ticks into the parent on Wait4.
func sysTimesHandler(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	a := tf.SyscallArgs()
	if a[0] != 0 {
		user, sys := p.Ticks()
		out := uaccess.New[tms](p.Uaccess(), memory.VirtAddr(a[0]), uaccess.Out)
		if err := out.Write(ctx, tms{Utime: int64(user), Stime: int64(sys)}); err != nil {
			return 0, wrapErrno(err, errno.EFAULT)
		}
	}
	return uintptr(k.Clock.Ticks()), 0
}
