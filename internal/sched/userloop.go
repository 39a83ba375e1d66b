package sched

import (
	"context"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// Status is a process's scheduling state, spec section 3's
// {UNINIT, READY, RUNNING, STOPPED, ZOMBIE}.
type Status int

const (
	StatusUninit Status = iota
	StatusReady
	StatusRunning
	StatusStopped
	StatusZombie
)

func (s Status) String() string {
	switch s {
	case StatusUninit:
		return "UNINIT"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// Cause is the scause classification spec section 4.9's user-loop switch
// dispatches on.
type Cause int

const (
	CauseUserEnvCall Cause = iota
	CausePageFaultLoad
	CausePageFaultStore
	CausePageFaultExec
	CauseIllegalInstruction
	CauseInstrFault
	CauseTimerInterrupt
	CauseExternalInterrupt
)

// TrapEvent is what a (real or simulated) user-mode trap hands back to
// the user loop: the cause, and whichever of stval/irq is meaningful for
// that cause. Real hardware delivers this by raising an actual RISC-V
// trap; a hosted Go translation has no CPU to run user-mode RISC-V
// instructions on (spec section 1 scopes boot asm/ELF execution out), so
// RunUserFunc is supplied by the caller — production code would bind it
// to the real trap-entry assembly, the test harness binds it to a
// scripted sequence of events driving the scenarios in spec section 8.
type TrapEvent struct {
	Cause Cause
	Fault memory.VirtAddr // stval for the three page-fault causes
	IRQ   uint32           // irq number for CauseExternalInterrupt
}

// RunUserFunc resumes a process in user mode until the next trap,
// mirroring the assembly user-trap-entry/exit pair from spec section 4.5
// — the boundary this module's Go translation cannot cross itself.
type RunUserFunc func() (TrapEvent, error)

// InterruptDispatcher routes an external interrupt to its owning driver,
// spec section 4.5's PLIC-owner dispatch; device.Manager satisfies this.
type InterruptDispatcher interface {
	Handle(irq uint32)
}

// Process is the view of a light process the user loop needs: just
// enough to drive spec section 4.9's dispatch switch without importing
// internal/process, which instead imports sched (see ProcessHandle's
// doc comment for the acyclic-dependency reasoning).
type Process interface {
	ProcessHandle
	Status() Status
	AdvancePC(instructionLen uint64)
	Dispatch(ctx context.Context) (uintptr, errno.Errno)
	SetReturn(val int64)
	HandlePageFault(ctx context.Context, va memory.VirtAddr, access vmarea.Access) error
	Kill(exitCode int)
}

// causeToAccess maps a page-fault cause to the vmarea.Access kind
// HandlePageFault expects.
func causeToAccess(c Cause) vmarea.Access {
	switch c {
	case CausePageFaultStore:
		return vmarea.AccessWrite
	case CausePageFaultExec:
		return vmarea.AccessExec
	default:
		return vmarea.AccessRead
	}
}

// sigsegvExitCode is the conventional 128+SIGSEGV exit status for a
// process killed by an unresolvable page fault, per spec section 7.
const sigsegvExitCode = 139

// UserLoop is the per-process async function from spec section 4.9: it
// alternates between resuming the process in user mode and dispatching
// whatever trap that resumption returns, until the process reaches
// STOPPED or ZOMBIE. now returns the current tick count for the timer
// branch's sleep-queue advance.
func UserLoop(ctx context.Context, p Process, sleepQ *SleepQueue, devices InterruptDispatcher, now func() uint64, runUser RunUserFunc) error {
	for {
		switch p.Status() {
		case StatusReady, StatusRunning:
			ev, err := runUser()
			if err != nil {
				return err
			}
			dispatchTrap(ctx, p, sleepQ, devices, now, ev)
		case StatusStopped, StatusZombie:
			return nil
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func dispatchTrap(ctx context.Context, p Process, sleepQ *SleepQueue, devices InterruptDispatcher, now func() uint64, ev TrapEvent) {
	switch ev.Cause {
	case CauseUserEnvCall:
		p.AdvancePC(4)
		ret, e := p.Dispatch(ctx)
		if e != 0 {
			p.SetReturn(e.Negate())
		} else {
			p.SetReturn(int64(ret))
		}
	case CausePageFaultLoad, CausePageFaultStore, CausePageFaultExec:
		if err := p.HandlePageFault(ctx, ev.Fault, causeToAccess(ev.Cause)); err != nil {
			p.Kill(sigsegvExitCode)
		}
	case CauseIllegalInstruction, CauseInstrFault:
		p.Kill(sigsegvExitCode)
	case CauseTimerInterrupt:
		sleepQ.Tick(now())
	case CauseExternalInterrupt:
		devices.Handle(ev.IRQ)
	}
}
