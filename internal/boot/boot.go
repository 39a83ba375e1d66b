// Package boot documents the boot contract from spec section 8: the
// entry point SBI (or a hypervisor, or a test harness standing in for
// one) calls on every hart, with the hart's own id and the physical
// address of a devicetree blob describing the machine. The actual
// boot assembly — clearing BSS, building an identity-mapped boot page
// table, switching satp, and setting up a per-hart stack, all of which
// original_source's boot.rs does in a mix of naked functions and a
// hand-assembled Sv39 root page table — has no Go equivalent worth
// writing: it runs before there is a Go runtime to run in. Entry is
// the seam a real freestanding build's tiny assembly stub would call
// into once that setup is done and goroutines become possible.
package boot

// Entry is called once per hart after the boot assembly has built an
// identity-mapped Sv39 page table, switched satp, and installed a
// per-hart stack (spec section 8's boot contract). hartID identifies
// which hart is starting; dtbPhysAddr is the physical address of the
// devicetree blob SBI handed to hart 0, describing available memory,
// harts, and devices.
//
// This is a documented stub: the real boot assembly and devicetree
// parsing are out of scope per spec section 1, and every Go-level
// kernel-core test drives internal/sched, internal/process, and
// internal/syscall directly against an internal/harness-built fake
// machine instead of going through this entry point.
func Entry(hartID uint64, dtbPhysAddr uintptr) {
	panic("boot: Entry is a documented stub; the freestanding boot path is out of scope")
}
