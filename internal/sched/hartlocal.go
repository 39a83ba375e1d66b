package sched

import (
	"sync"

	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/trap"
)

// ProcessHandle is the minimal view of a schedulable process the executor
// and hart-local state need: enough to switch the page table and to name
// the process in logs, without importing internal/process (which instead
// imports sched, per the dependency order in spec section 2: executor
// sits below process). internal/process.Process implements this.
type ProcessHandle interface {
	PID() int
	PageTableRoot() memory.PhysPageNum
}

// HartLocal is the per-hart state spec section 3/4.5 names: the currently
// running process, the FP-register owner, the SUM nesting counter, and
// timer statistics. One HartLocal exists per hart; mu guards the current
// process, the last-loaded SATP root and the FP owner, since other
// goroutines (process Exit clearing the FP owner, diagnostics) read or
// write them concurrently with the hart's own code.
type HartLocal struct {
	ID int

	mu      sync.Mutex
	current ProcessHandle
	lastSATP memory.PhysPageNum
	hasSATP  bool

	fpOwner *trap.Context

	SUM *trap.SUMDepth

	TimerTicks uint64
}

// NewHartLocal creates the per-hart state for hart id, wiring setSUM as
// the hart-specific instruction that flips sstatus.SUM.
func NewHartLocal(id int, setSUM func(enabled bool)) *HartLocal {
	return &HartLocal{ID: id, SUM: trap.NewSUMDepth(setSUM)}
}

// Current returns the process presently executing on this hart, or nil.
func (h *HartLocal) Current() ProcessHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SetCurrent records p as the process now executing on this hart.
func (h *HartLocal) SetCurrent(p ProcessHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = p
}

// SwitchSATPIfNeeded loads p's page-table root into satp via loadSATP,
// but only if it differs from the hart's last-loaded root, per spec
// section 4.8's "switches the page table ... only if different from the
// current SATP". It returns the previous root so the outermost future can
// restore it afterward.
func (h *HartLocal) SwitchSATPIfNeeded(p ProcessHandle, loadSATP func(memory.PhysPageNum)) (prev memory.PhysPageNum, hadPrev bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, hadPrev = h.lastSATP, h.hasSATP
	root := p.PageTableRoot()
	if !h.hasSATP || h.lastSATP != root {
		loadSATP(root)
		h.lastSATP = root
		h.hasSATP = true
	}
	return prev, hadPrev
}

// RestoreSATP reloads a previously saved root, used by the outermost
// future to put back whatever was loaded before it ran, per spec section
// 4.8's "(d) restore the old page table".
func (h *HartLocal) RestoreSATP(prev memory.PhysPageNum, hadPrev bool, loadSATP func(memory.PhysPageNum)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hadPrev && h.lastSATP != prev {
		loadSATP(prev)
		h.lastSATP = prev
	}
}

// CurrentOwner implements trap.FPOwner: the context whose registers are
// presently live in this hart's FP unit.
func (h *HartLocal) CurrentOwner() *trap.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fpOwner
}

// SetOwner implements trap.FPOwner.
func (h *HartLocal) SetOwner(ctx *trap.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fpOwner = ctx
}

// ClearFPOwnerIfSelf clears the hart's recorded FP owner if it is exactly
// ctx, used by a process's Exit path so a later context switch never
// tries to spill dirty FP registers into a context whose process has
// already been torn down — the fix spec section 9 explicitly flags as
// missing in the source design ("implementations must clear it on process
// teardown to avoid spilling into a freed context").
func (h *HartLocal) ClearFPOwnerIfSelf(ctx *trap.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fpOwner == ctx {
		h.fpOwner = nil
	}
}
