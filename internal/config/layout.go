// Package config holds the kernel's fixed address-space segment layout,
// the syscall-harness feature flags, and scheduler tunables, loaded from a
// small linked-in text format. A freestanding kernel cannot reach for
// encoding/json against an unmounted filesystem at boot, so config.Load
// only ever runs against the host-side test/config tooling; the compiled
// kernel always starts from the Defaults below.
package config

import "github.com/mankoros/mankoros/internal/memory"

// Layout is the fixed segment layout from spec section 3. Each field is a
// typed VirtAddr rather than a bare hex constant, so using a segment bound
// where a different address type is expected is a compile error.
type Layout struct {
	UserDataStart   memory.VirtAddr
	UserDataEnd     memory.VirtAddr
	UserHeapStart   memory.VirtAddr
	UserHeapEnd     memory.VirtAddr
	UserStackStart  memory.VirtAddr
	UserStackEnd    memory.VirtAddr
	MmapPrivateStart memory.VirtAddr
	MmapPrivateEnd   memory.VirtAddr
	MmapSharedStart  memory.VirtAddr
	MmapSharedEnd    memory.VirtAddr
	KernelDirectStart memory.VirtAddr
	KernelDirectEnd   memory.VirtAddr
	KernelTextStart   memory.VirtAddr
	KernelTextEnd     memory.VirtAddr
}

// DefaultLayout is the segment table from spec section 3.
var DefaultLayout = Layout{
	UserDataStart:    0x0000_0000_0001_0000,
	UserDataEnd:      0x4000_0000,
	UserHeapStart:    0x4000_0000,
	UserHeapEnd:      0x8000_0000,
	UserStackStart:   0x0001_0000_0000,
	UserStackEnd:     0x0002_0000_0000,
	MmapPrivateStart: 0x0002_0000_0000,
	MmapPrivateEnd:   0x0004_0000_0000,
	// The shm/mmap-shared segment is kernel-reserved; its precise bounds
	// are a deployment detail (spec section 3 leaves it unspecified beyond
	// "kernel-reserved share range"), so it is carved out of the upper
	// part of the mmap-private segment's successor range here.
	MmapSharedStart:   0x0004_0000_0000,
	MmapSharedEnd:     0x0008_0000_0000,
	KernelDirectStart: 0xffff_fff0_0000_0000,
	KernelDirectEnd:   0xffff_ffff_8000_0000,
	KernelTextStart:   0xffff_ffff_8000_0000,
	KernelTextEnd:     0xffff_ffff_c000_0000,
}

// Scheduler holds scheduler tunables.
type Scheduler struct {
	// SleepQueueGranularity is the minimum resolution, in timer ticks, at
	// which the sleep queue is polled by the timer-interrupt handler.
	SleepQueueGranularity uint64
	// RunnableQueueCapacity is the initial capacity hint for a hart's
	// runnable deque.
	RunnableQueueCapacity int
}

// DefaultScheduler is the compiled-in default scheduler configuration.
var DefaultScheduler = Scheduler{
	SleepQueueGranularity: 1,
	RunnableQueueCapacity: 64,
}

// Syscalls selects which of the spec section 4.7 handler groups are
// compiled into a given test harness build, so a reduced harness can
// exercise only the subset of syscalls a given test script needs.
type Syscalls struct {
	FD      bool
	FS      bool
	Process bool
	Memory  bool
	Time    bool
	Misc    bool
}

// AllSyscalls enables every handler group.
var AllSyscalls = Syscalls{FD: true, FS: true, Process: true, Memory: true, Time: true, Misc: true}
