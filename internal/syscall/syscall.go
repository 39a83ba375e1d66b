// Package syscall implements the syscall dispatcher from spec section
// 4.7: a single Dispatch entry point that switches on the trap context's
// a7 register to one handler function per syscall, each returning
// (uintptr, errno.Errno) exactly as spec section 7 requires — Dispatch
// hands that pair back to its caller (the scheduler's user loop), which
// negates a non-zero Errno into a0; handlers never do that translation
// themselves. It is grounded on biscuit's syscall
// dispatch idiom (the a7-indexed jump table named in `vm/as.go`'s
// comments; biscuit's own syscall package was trimmed from the retrieval
// pack to a go.mod, so the table and handler shapes below are written
// fresh, following the same "one method per syscall, Err_t return"
// pattern the surviving biscuit call sites imply) and on
// original_source's syscall dispatch enumeration (trap/syscall.rs) for
// the exact numbering and argument order.
package syscall

import (
	"context"
	"errors"

	"github.com/mankoros/mankoros/internal/device"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/fd"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// CloneFlags is the clone(2) flag bitmask handlers decode from a0, spec
// section 3's "shared if VM/FILES/FS" plus the CLONE_THREAD bit spec
// section 4.4 names explicitly. Bit positions follow the subset of Linux's
// CLONE_* values this kernel core recognizes (the rest are accepted and
// ignored, matching a reduced but not lying implementation).
type CloneFlags uint32

const (
	CloneVM      CloneFlags = 0x100
	CloneFS      CloneFlags = 0x200
	CloneFiles   CloneFlags = 0x400
	CloneSigHand CloneFlags = 0x800
	CloneThread  CloneFlags = 0x10000
)

// FSView is the fs-info surface a dispatcher handler needs: chdir/getcwd,
// without importing internal/process (which instead imports this
// package), per spec section 2's dependency order.
type FSView interface {
	Chdir(path string)
	Getcwd() string
}

// SignalsView is the signal-set surface rt_sigaction/rt_sigprocmask/kill
// need.
type SignalsView interface {
	Kill(sig int)
	Pending(sig int) bool
	Consume(sig int) bool
}

// ProcessView is the view of a light process the dispatcher's handlers
// operate against, implemented by internal/process.Process. Defining it
// here (rather than importing internal/process) keeps the dependency
// order from spec section 2 acyclic: executor/dispatcher sit below the
// process record, so process depends on syscall, not the other way
// around.
type ProcessView interface {
	PID() int
	TGID() int
	PPID() int
	Files() *fd.Table
	VM() *vmarea.Manager
	FS() FSView
	Signals() SignalsView
	TrapContext() *trap.Context
	Ticks() (user, sys uint64)
	Uaccess() *uaccess.Validator
	Exit(code int)
	Clone(flags CloneFlags) (ProcessView, error)
	Exec(entry memory.VirtAddr, args, envp []string, auxv []vmarea.AuxEntry) error
	Wait4(ctx context.Context, wpid int) (pid int, exitCode int, err error)
}

// Clock is the time source gettimeofday/clock_gettime/nanosleep consult;
// a freestanding kernel reads this off a memory-mapped timer register,
// a hosted test harness can supply any monotonic source.
type Clock interface {
	// NowUnixNano returns the current wall-clock time in nanoseconds since
	// the Unix epoch.
	NowUnixNano() int64
	// Ticks returns the current scheduler tick count, the same clock
	// sched.SleepQueue.Tick advances against.
	Ticks() uint64
}

// Kernel bundles the dispatcher-wide dependencies every handler may need
// beyond the calling process itself: the interrupt/device manager (for
// uname-adjacent host info, not interrupt delivery itself, which the
// executor handles directly), the clock, a pipe factory (there is no
// mounted filesystem to create a real pipe inode against, per spec
// section 1's non-goals), a root directory standing in for the absent
// VFS tree's AT_FDCWD base, a cooperative sleep hook nanosleep uses (kept
// as an injected func rather than a direct internal/sched import, so this
// package stays below the executor in spec section 2's dependency
// order), and the futex wait-queue table.
type Kernel struct {
	Devices     *device.Manager
	Clock       Clock
	PipeFactory func() (read, write vfs.FileRef)
	Root        vfs.FileRef
	Sleep       func(ctx context.Context, ticks uint64) error

	futex futexTable
}

// handler is the signature every syscall implementation shares, spec
// section 4.7's "func(context.Context, *process.Process, trap.Context)
// (uintptr, errno.Errno)" re-expressed against ProcessView instead of the
// concrete process type.
type handler func(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno)

// Syscall numbers, spec section 4.7's minimum handler set, numbered per
// the RISC-V Linux asm-generic syscall table (original_source's
// trap/syscall.rs uses the same numbering).
const (
	sysGetcwd         = 17
	sysDup            = 23
	sysDup3           = 24
	sysFcntl          = 25
	sysMkdirat        = 34
	sysUnlinkat       = 35
	sysUmount2        = 39
	sysMount          = 40
	sysChdir          = 49
	sysOpenat         = 56
	sysClose          = 57
	sysPipe2          = 59
	sysGetdents64     = 61
	sysRead           = 63
	sysWrite          = 64
	sysWritev         = 66
	sysPselect6       = 72
	sysPpoll          = 73
	sysNewfstatat     = 79
	sysFstat          = 80
	sysExit           = 93
	sysExitGroup      = 94
	sysSetTidAddress  = 96
	sysNanosleep      = 101
	sysClockGettime   = 113
	sysSchedYield     = 124
	sysKill           = 129
	sysRtSigaction    = 134
	sysRtSigprocmask  = 135
	sysTimes          = 153
	sysUname          = 160
	sysGettimeofday   = 169
	sysGetpid         = 172
	sysGetppid        = 173
	sysGettid         = 178
	sysLinkat         = 37
	sysBrk            = 214
	sysMunmap         = 215
	sysClone          = 220
	sysExecve         = 221
	sysMmap           = 222
	sysMprotect       = 226
	sysWait4          = 260
	sysFutex          = 98
)

var handlers = map[uint64]handler{
	sysGetcwd:        sysGetcwdHandler,
	sysDup:           sysDupHandler,
	sysDup3:          sysDup3Handler,
	sysMkdirat:       sysMkdiratHandler,
	sysUnlinkat:      sysUnlinkatHandler,
	sysUmount2:       sysUmountHandler,
	sysMount:         sysMountHandler,
	sysChdir:         sysChdirHandler,
	sysOpenat:        sysOpenatHandler,
	sysClose:         sysCloseHandler,
	sysPipe2:         sysPipe2Handler,
	sysGetdents64:    sysGetdentsHandler,
	sysRead:          sysReadHandler,
	sysWrite:         sysWriteHandler,
	sysWritev:        sysWritevHandler,
	sysPselect6:      sysPselect6Handler,
	sysPpoll:         sysPpollHandler,
	sysNewfstatat:    sysNewfstatatHandler,
	sysFstat:         sysFstatHandler,
	sysExit:          sysExitHandler,
	sysExitGroup:     sysExitHandler,
	sysSetTidAddress: sysSetTidAddressHandler,
	sysNanosleep:     sysNanosleepHandler,
	sysClockGettime:  sysClockGettimeHandler,
	sysSchedYield:    sysSchedYieldHandler,
	sysRtSigaction:   sysRtSigactionHandler,
	sysRtSigprocmask: sysRtSigprocmaskHandler,
	sysTimes:         sysTimesHandler,
	sysUname:         sysUnameHandler,
	sysGettimeofday:  sysGettimeofdayHandler,
	sysGetpid:        sysGetpidHandler,
	sysGetppid:       sysGetppidHandler,
	sysGettid:        sysGettidHandler,
	sysKill:          sysKillHandler,
	sysLinkat:        sysLinkatHandler,
	sysBrk:           sysBrkHandler,
	sysMunmap:        sysMunmapHandler,
	sysClone:         sysCloneHandler,
	sysExecve:        sysExecveHandler,
	sysMmap:          sysMmapHandler,
	sysMprotect:      sysMprotectHandler,
	sysWait4:         sysWait4Handler,
	sysFutex:         sysFutexHandler,
}

// Dispatch implements spec section 4.7: it reads a7 from tf, looks up the
// matching handler, and runs it. An unrecognized syscall number returns
// ENOSYS-shaped behavior in the loose sense available from this errno
// table: EINVAL, since spec section 7 has no dedicated ENOSYS constant.
func Dispatch(ctx context.Context, k *Kernel, p ProcessView, tf *trap.Context) (uintptr, errno.Errno) {
	no := tf.SyscallNo()
	h, ok := handlers[no]
	if !ok {
		return 0, errno.EINVAL
	}
	return h(ctx, k, p, tf)
}

// wrapErrno extracts the errno.Errno carried by err (via errors.As,
// following errno.Wrap's fmt.Errorf("%w: ...", errno.XXX) chain),
// defaulting to fallback if err wraps none.
func wrapErrno(err error, fallback errno.Errno) errno.Errno {
	if err == nil {
		return 0
	}
	var e errno.Errno
	if errors.As(err, &e) {
		return e
	}
	return fallback
}
