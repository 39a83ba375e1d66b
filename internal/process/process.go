// Package process implements the Process Core from spec section 4:
// the light-process record binding an address space, fd table, fs info,
// signal set, and trap context, plus clone/exit/wait4 semantics and
// thread-group membership. It is grounded on original_source's
// process/process.rs (ProcessInfo/AliveProcessInfo, Pid/PidHandler,
// UsizePool) since biscuit's own proc package was trimmed from the
// retrieval pack down to a bare go.mod — the struct shape below follows
// the Rust original's fields re-expressed in biscuit's naming idiom
// (exported Go fields instead of Rust's pub(crate), "Fork"/"Exit" instead
// of "clone"/"drop").
package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/fd"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/sched"
	"github.com/mankoros/mankoros/internal/syscall"
	"github.com/mankoros/mankoros/internal/trap"
	"github.com/mankoros/mankoros/internal/uaccess"
	"github.com/mankoros/mankoros/internal/vfs"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// CloneFlags is internal/syscall's clone(2) flag bitmask, reused here
// rather than redefined: the dispatcher's clone handler and Process.Fork
// must agree on what VM/FILES/FS/THREAD mean, and syscall already owns
// the ABI-facing definition (process imports syscall; syscall does not
// import process, per spec section 2's dependency order).
type CloneFlags = syscall.CloneFlags

const (
	CloneVM      = syscall.CloneVM
	CloneFiles   = syscall.CloneFiles
	CloneFS      = syscall.CloneFS
	CloneThread  = syscall.CloneThread
	CloneSigHand = syscall.CloneSigHand
)

// Process is one light process / thread, spec section 3's full record.
type Process struct {
	mu sync.Mutex

	pid  int
	tgid int

	parent   *Process
	children []*Process

	vm     *vmarea.Manager
	table  *pagetable.Table
	files  *fd.Table
	fs     *FSInfo
	sigs   *SignalSet
	layout config.Layout

	Trap *trap.Context

	stackID   int
	stackTop  memory.VirtAddr
	status    sched.Status
	exitCode  int
	userTicks uint64
	sysTicks  uint64

	frames   *memory.BitmapAllocator
	shared   *memory.SharedFrames
	data     vmarea.FrameData
	newTable func() (*pagetable.Table, error)

	kernel *syscall.Kernel

	// uaccess is this process's own user-pointer validator, used by every
	// syscall handler that needs to read/write user memory. SPEC_FULL.md's
	// Dispatch(ctx, tf) signature carries no *sched.HartLocal, so the SUM
	// nesting counter here is process-scoped rather than hart-scoped (a
	// real sstatus.SUM toggle is still exercised hart-locally by
	// sched.HartLocal.SUM in the executor path); acceptable because the
	// cooperative scheduler never runs one process on two harts at once.
	uaccess *uaccess.Validator

	hartLocals []*sched.HartLocal

	zombieCh chan struct{}
}

// Uaccess implements syscall.ProcessView.
func (p *Process) Uaccess() *uaccess.Validator { return p.uaccess }

func (p *Process) rebuildUaccess() {
	p.uaccess = &uaccess.Validator{
		Faulter: p.vm,
		Table:   p.table,
		Probe:   trap.NewProbe(p.vm),
		SUM:     trap.NewSUMDepth(func(bool) {}),
		Direct:  p.data,
	}
}

// New creates the first process in a new thread group: a fresh address
// space, fd table seeded from stdin/stdout/stderr, fs info rooted at
// cwd, and an empty signal set. frames/shared/data/newTable back every
// address space this process or its future clone(2) children need;
// kernel is the shared dispatcher context internal/syscall's handlers
// consult (device manager, clock).
func New(table *pagetable.Table, frames *memory.BitmapAllocator, shared *memory.SharedFrames, data vmarea.FrameData, newTable func() (*pagetable.Table, error), layout config.Layout, stdin, stdout, stderr vfs.FileRef, cwd string, kernel *syscall.Kernel) *Process {
	pid := defaultPIDs.alloc()
	p := &Process{
		pid:      pid,
		tgid:     pid,
		vm:       vmarea.NewManager(table, frames, shared, data, layout),
		table:    table,
		files:    fd.NewTable(stdin, stdout, stderr),
		fs:       NewFSInfo(cwd),
		sigs:     NewSignalSet(),
		layout:   layout,
		Trap:     &trap.Context{},
		status:   sched.StatusUninit,
		frames:   frames,
		shared:   shared,
		data:     data,
		newTable: newTable,
		kernel:   kernel,
		zombieCh: make(chan struct{}),
	}
	p.rebuildUaccess()
	return p
}

// PID returns the process id (gettid's value).
func (p *Process) PID() int { return p.pid }

// TGID returns the thread-group id (getpid's value): the pid of the
// thread that created the group, shared by every CLONE_THREAD member,
// per spec section 4.4's "clone(THREAD) ... getpid returns tgid, gettid
// returns pid".
func (p *Process) TGID() int { return p.tgid }

// PPID returns the parent's pid, or 0 if this process has no parent
// (the init process).
func (p *Process) PPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

// PageTableRoot implements sched.ProcessHandle.
func (p *Process) PageTableRoot() memory.PhysPageNum { return p.table.Root() }

// VM returns the process's address-space manager.
func (p *Process) VM() *vmarea.Manager { return p.vm }

// Files returns the process's fd table.
func (p *Process) Files() *fd.Table { return p.files }

// FS returns the process's fs info. The return type is syscall.FSView,
// not the concrete *FSInfo, so *Process satisfies syscall.ProcessView
// exactly (Go interface satisfaction requires identical method
// signatures, not merely compatible ones).
func (p *Process) FS() syscall.FSView { return p.fs }

// FSInfo returns the concrete fs info record, for callers (tests, Fork)
// that need Chdir/Getcwd/Fork rather than just the syscall-facing view.
func (p *Process) FSInfo() *FSInfo { return p.fs }

// Signals returns the process's pending-signal set as syscall.SignalsView.
func (p *Process) Signals() syscall.SignalsView { return p.sigs }

// SignalSet returns the concrete signal set.
func (p *Process) SignalSet() *SignalSet { return p.sigs }

// Status returns the process's scheduling state.
func (p *Process) Status() sched.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus transitions the process to status.
func (p *Process) SetStatus(status sched.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// ExitCode returns the exit status most recently recorded by Exit.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// AdvancePC implements sched.Process.
func (p *Process) AdvancePC(n uint64) { p.Trap.AdvancePC(n) }

// SetReturn implements sched.Process.
func (p *Process) SetReturn(v int64) { p.Trap.SetReturn(v) }

// HandlePageFault implements sched.Process, forwarding to the address
// space manager.
func (p *Process) HandlePageFault(ctx context.Context, va memory.VirtAddr, access vmarea.Access) error {
	return p.vm.HandlePageFault(ctx, va, access)
}

// Dispatch implements sched.Process by forwarding to internal/syscall,
// passing itself as the ProcessView the dispatcher's handlers operate
// against (Process satisfies syscall.ProcessView).
func (p *Process) Dispatch(ctx context.Context) (uintptr, errno.Errno) {
	return syscall.Dispatch(ctx, p.kernel, p, p.Trap)
}

// TrapContext implements syscall.ProcessView.
func (p *Process) TrapContext() *trap.Context { return p.Trap }

// Clone implements syscall.ProcessView's clone(2) entry point: it forks
// the calling process and registers the child so a later wait4 call can
// reap it, returning the child itself.
func (p *Process) Clone(flags syscall.CloneFlags) (syscall.ProcessView, error) {
	child, err := p.Fork(flags)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Exec implements syscall.ProcessView's execve(2) entry point: it
// replaces this process's own address space and fd close-on-exec set
// (other thread-group members are not touched), then re-initializes the trap context to start the new program, per
// spec section 8's "clone then exec" scenario (the child's area map is
// the one produced by exec and shares nothing with the parent).
func (p *Process) Exec(entry memory.VirtAddr, args, envp []string, auxv []vmarea.AuxEntry) error {
	p.mu.Lock()
	table, err := p.newTable()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.table = table
	p.vm = vmarea.NewManager(table, p.frames, p.shared, p.data, p.layout)
	p.rebuildUaccess()
	p.files.CloseOnExec()
	p.mu.Unlock()
	return p.InitMain(entry, args, envp, auxv)
}

// RegisterTicks accumulates the user/kernel time spent on this process's
// behalf since the last call, the CPU-time accounting spec section 3
// names on LightProcess and spec's SPEC_FULL expansion wires all the way
// through the times(2) handler.
func (p *Process) RegisterTicks(userDelta, sysDelta uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userTicks += userDelta
	p.sysTicks += sysDelta
}

// Ticks returns the accumulated user and kernel tick counts.
func (p *Process) Ticks() (user, sys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userTicks, p.sysTicks
}

// InitMain sets up the process as the very first program a freshly
// created address space runs: argv/envp/auxv go onto a newly allocated
// stack (spec section 4.4's initial stack layout), sp/pc/tp seed the
// trap context, per spec section 6's exec contract.
func (p *Process) InitMain(entry memory.VirtAddr, args, envp []string, auxv []vmarea.AuxEntry) error {
	top, id, err := p.vm.AllocStack(0)
	if err != nil {
		return err
	}
	p.stackID = id
	p.stackTop = top

	stack := vmarea.BuildInitialStack(top, args, envp, auxv)
	for off := 0; off < len(stack.Buf); off += int(memory.PageSize) {
		va := stack.Base + memory.VirtAddr(off)
		if err := p.vm.HandlePageFault(context.Background(), va, vmarea.AccessWrite); err != nil {
			return err
		}
	}
	p.Trap.InitUser(uint64(stack.Base), uint64(entry), 0, 0, 0)
	p.status = sched.StatusReady
	return nil
}

// Fork implements clone(2): it creates a child Process sharing whichever
// of {address space, fd table, fs info} flags selects, per spec section
// 3/4.4. A CLONE_VM child's address space is the very same *vmarea.Manager
// (and page table) as the parent's; otherwise the child gets a
// copy-on-write clone via vmarea.Manager.CloneCOW, per spec section 4.4's
// clone_cow algorithm. CLONE_THREAD keeps the parent's tgid (and does not
// register the child as a reparentable "child" for wait4 purposes, since
// thread-group members are reaped together); otherwise the child's tgid
// is its own fresh pid and it is appended to the parent's children list.
func (p *Process) Fork(flags CloneFlags) (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	childPID := defaultPIDs.alloc()
	child := &Process{
		pid:      childPID,
		tgid:     p.tgid,
		sigs:     NewSignalSet(),
		layout:   p.layout,
		Trap:     &trap.Context{},
		status:   sched.StatusReady,
		frames:   p.frames,
		shared:   p.shared,
		data:     p.data,
		newTable: p.newTable,
		kernel:   p.kernel,
		zombieCh: make(chan struct{}),
	}
	*child.Trap = *p.Trap

	if flags&CloneVM != 0 {
		child.vm = p.vm
		child.table = p.table
	} else {
		newTable, err := p.newTable()
		if err != nil {
			defaultPIDs.release(childPID)
			return nil, err
		}
		child.table = newTable
		child.vm = vmarea.NewManager(newTable, p.frames, p.shared, p.data, p.layout)
		if err := p.vm.CloneCOW(child.vm); err != nil {
			defaultPIDs.release(childPID)
			return nil, err
		}
	}

	if flags&CloneFiles != 0 {
		child.files = p.files
	} else {
		child.files = p.files.Fork()
	}

	if flags&CloneFS != 0 {
		child.fs = p.fs
	} else {
		child.fs = p.fs.Fork()
	}

	if flags&CloneThread == 0 {
		child.tgid = childPID
		child.parent = p
		p.children = append(p.children, child)
	}

	child.rebuildUaccess()
	return child, nil
}

// reparentLocked moves every one of p's children onto grandparent (Exit
// passes p's own parent, which may be nil), per spec
// section 9's "children hold a weak reference to the parent ... exit
// rewrites the children's parent links under the parent's lock". Must be
// called with p.mu held.
func (p *Process) reparentLocked(grandparent *Process) {
	for _, c := range p.children {
		c.mu.Lock()
		c.parent = grandparent
		c.mu.Unlock()
		if grandparent != nil {
			grandparent.mu.Lock()
			grandparent.children = append(grandparent.children, c)
			grandparent.mu.Unlock()
		}
	}
	p.children = nil
}

// Exit implements exit(2)/exit_group(2): it records the exit code,
// reparents children, signals SIGCHLD to the parent, clears this
// process's FP ownership on every hart it may have last run on (the
// fix spec section 9 flags as missing from the source design), and
// transitions to ZOMBIE, closing zombieCh so a blocked Wait4 wakes.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	// p's own parent becomes p's children's new parent (their
	// grandparent, before p is removed from the tree).
	p.reparentLocked(p.parent)
	parent := p.parent
	p.exitCode = code
	p.status = sched.StatusZombie
	locals := p.hartLocals
	trapCtx := p.Trap
	p.mu.Unlock()

	for _, hl := range locals {
		hl.ClearFPOwnerIfSelf(trapCtx)
	}

	close(p.zombieCh)
	if parent != nil {
		parent.sigs.Kill(SIGCHLD)
	}
}

// Kill implements sched.Process: an unresolvable user-mode fault kills
// the process with the given exit code (139 for SIGSEGV-class faults,
// per spec section 8).
func (p *Process) Kill(exitCode int) {
	p.Exit(exitCode)
}

// NoteHart records that this process has run on hl, so Exit knows to
// clear hl's FP ownership if it still points at this process's trap
// context.
func (p *Process) NoteHart(hl *sched.HartLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hartLocals {
		if h == hl {
			return
		}
	}
	p.hartLocals = append(p.hartLocals, hl)
}

// Children returns a snapshot of the process's current children.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

// Wait4 implements wait4(2): if wpid > 0, block until that specific
// child becomes a zombie; if wpid == -1, block until any child does.
// It returns the reaped child's pid and exit code, removing it from the
// parent's children list. ECHILD is returned immediately if wpid names no
// existing child (or there are no children at all for wpid == -1).
func (p *Process) Wait4(ctx context.Context, wpid int) (pid int, exitCode int, err error) {
	for {
		// For wpid == -1, any child's Exit (which sends SIGCHLD here)
		// wakes the wait, not only the child picked as target below.
		anyExit := make(chan struct{})
		if wpid == -1 {
			p.sigs.AddWaiter(func() { close(anyExit) })
		}
		p.mu.Lock()
		var target *Process
		idx := -1
		for i, c := range p.children {
			if wpid == -1 || c.pid == wpid {
				target = c
				idx = i
				if c.Status() == sched.StatusZombie {
					break
				}
			}
		}
		if target == nil {
			p.mu.Unlock()
			return 0, 0, fmt.Errorf("process: %w: no matching child", errno.ECHILD)
		}
		if target.Status() != sched.StatusZombie {
			zc := target.zombieCh
			p.mu.Unlock()
			select {
			case <-zc:
				continue
			case <-anyExit:
				continue
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			}
		}
		p.children = append(p.children[:idx], p.children[idx+1:]...)
		p.mu.Unlock()

		defaultPIDs.release(target.pid)
		return target.pid, target.ExitCode(), nil
	}
}
