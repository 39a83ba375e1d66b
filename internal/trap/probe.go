package trap

import (
	"sync"

	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
)

// AreaChecker is the address-space query internal/uaccess needs to decide
// whether a user pointer is safe to dereference: does va fall inside a
// mapped area, and does that area's permission allow the requested access.
// vmarea.Manager satisfies this directly. Kept as a narrow interface here
// (rather than importing internal/vmarea) to avoid a dependency cycle,
// since internal/vmarea does not need to know about traps.
type AreaChecker interface {
	CheckAccess(va memory.VirtAddr, write bool) error
}

// Probe answers "would a read/write of this user address fault", the
// software stand-in for original_source's will_read_fail/will_write_fail
// (trap/trap.rs), which rely on a dedicated assembly trap vector
// (__user_rw_trap_entry) installed around the probing instruction so any
// resulting page fault returns a boolean instead of crashing the kernel.
// This module's Go kernel core has no equivalent inline-assembly trap
// trick available to it, so the probe is instead answered directly against
// the area map: can this address be resolved without the page-fault path
// actually needing to run. This intentionally does not attempt to resolve
// a *lazy* fault (it must not have side effects just from being asked), so
// a probe can say "no fault" for an address that still needs its first
// page-in; callers that need the backing page populated call
// vmarea.Manager.HandlePageFault themselves before touching user memory.
type Probe struct {
	areas AreaChecker
}

func NewProbe(areas AreaChecker) *Probe { return &Probe{areas: areas} }

// WillReadFail reports whether reading vaddr would fault.
func (p *Probe) WillReadFail(vaddr memory.VirtAddr) bool {
	return p.areas.CheckAccess(vaddr, false) != nil
}

// WillWriteFail reports whether writing vaddr would fault.
func (p *Probe) WillWriteFail(vaddr memory.VirtAddr) bool {
	return p.areas.CheckAccess(vaddr, true) != nil
}

// SUMDepth is a hart-local nesting counter for "Supervisor User Memory
// access" (the RISC-V sstatus.SUM bit): kernel code that needs to
// dereference a user pointer directly (rather than through Probe) must set
// SUM before the access and clear it after, and nested uaccess calls (a
// syscall handler calling a helper that itself touches user memory) must
// not have the inner helper's cleanup clear SUM out from under the outer
// caller. Grounded on the same pattern biscuit uses around its copyin/
// copyout helpers (disable/enable a privilege bit around a bounded
// region), generalized to nesting since this module's uaccess helpers call
// each other (ReadCStr reads one byte at a time in a loop).
type SUMDepth struct {
	mu    sync.Mutex
	depth int
	set   func(enabled bool)
}

// NewSUMDepth wraps the hart-specific instruction that actually sets or
// clears sstatus.SUM.
func NewSUMDepth(set func(enabled bool)) *SUMDepth {
	return &SUMDepth{set: set}
}

// Enter increments the nesting depth, enabling SUM on the 0->1 transition.
// Every Enter must be paired with exactly one Exit.
func (s *SUMDepth) Enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth++
	if s.depth == 1 {
		s.set(true)
	}
}

// Exit decrements the nesting depth, disabling SUM on the 1->0 transition.
func (s *SUMDepth) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		panic("trap: SUMDepth.Exit without matching Enter")
	}
	s.depth--
	if s.depth == 0 {
		s.set(false)
	}
}

// errProbeUnavailable is returned by NilAreaChecker, standing in for a
// process that has no address space bound yet (early boot, or a kernel
// thread with no user mapping at all).
var errProbeUnavailable = errno.Wrap(errno.EFAULT, "trap: no address space bound to probe")

// NilAreaChecker rejects every access; used where an AreaChecker is
// required but no address space exists yet.
type NilAreaChecker struct{}

func (NilAreaChecker) CheckAccess(memory.VirtAddr, bool) error { return errProbeUnavailable }
