// Package trap holds the per-thread trap context: the saved user register
// file, the lazily-synchronized floating-point context, and the software
// user-memory probe used by internal/uaccess. It is grounded on
// original_source's trap/context.rs (UKContext) and trap/fp_ctx.rs
// (FloatContext, the clean/dirty lazy-FP-ownership protocol), re-expressed
// in idiomatic Go: biscuit's own retrieval-pack copy has no surviving
// trap/context code to adapt (its "kernel" package was trimmed down to a
// single unrelated build tool, chentry.go), so this package follows the
// same struct-of-registers idiom pagetable.PTE and vmarea.Area already use
// elsewhere in this module rather than translating the Rust source.
package trap

// Context is one thread's saved trap state: the register file seen by a
// user/kernel trap boundary crossing, laid out to match UKContext's field
// order (original_source's trap/context.rs) since a real implementation's
// assembly trap vector saves/restores these by fixed offset.
type Context struct {
	// UserRegs holds the 32 RISC-V integer registers (x0..x31) as seen at
	// the user->kernel trap. Index 2 is sp, 4 is tp, 10-17 are a0-a7.
	UserRegs [32]uint64
	UserSepc uint64
	// UserSstatus is the raw sstatus CSR value captured on trap entry; only
	// the SPP/SPIE/FS fields are meaningful to this package.
	UserSstatus uint64

	// KernelRegs holds the 12 callee-saved kernel registers (s0..s11) live
	// across a user/kernel switch.
	KernelRegs [12]uint64
	KernelRA   uint64
	KernelSP   uint64
	KernelTP   uint64

	FP FPContext
}

// Register indices into UserRegs for the ABI names used elsewhere in this
// package and in internal/syscall.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegTP   = 4
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
)

// sstatusFS* are the two-bit field values of sstatus.FS this package reads,
// per the RISC-V privileged spec (0=Off, 1=Initial, 2=Clean, 3=Dirty).
const (
	sstatusFSOff = iota
	sstatusFSInitial
	sstatusFSClean
	sstatusFSDirty
)

const sstatusFSShift = 13
const sstatusFSMask = 0x3

func (c *Context) sstatusFS() uint64 {
	return (c.UserSstatus >> sstatusFSShift) & sstatusFSMask
}

func (c *Context) setSstatusFS(fs uint64) {
	c.UserSstatus = (c.UserSstatus &^ (sstatusFSMask << sstatusFSShift)) | (fs << sstatusFSShift)
}

// InitUser resets a freshly-allocated Context to the state execve(2) hands
// to a new program: user sp/entry/initial register arguments set, kernel
// half zeroed, and the floating-point context reset to "needs load".
func (c *Context) InitUser(userSP, sepc uint64, argc, argv, envp uint64) {
	*c = Context{}
	c.UserRegs[RegSP] = userSP
	c.UserRegs[RegA0] = argc
	c.UserRegs[RegA1] = argv
	c.UserRegs[RegA2] = envp
	c.UserSepc = sepc
	c.FP.InitUser()
}

// AdvancePC moves sepc past the instruction that trapped, for traps (like
// ecall) that must resume at the following instruction rather than retry.
func (c *Context) AdvancePC(instructionLen uint64) {
	c.UserSepc += instructionLen
}

// SyscallNo returns a7, the syscall number ABI register.
func (c *Context) SyscallNo() uint64 { return c.UserRegs[RegA7] }

// SyscallArgs returns a0..a5, the six syscall argument registers.
func (c *Context) SyscallArgs() [6]uint64 {
	return [6]uint64{
		c.UserRegs[RegA0], c.UserRegs[RegA1], c.UserRegs[RegA2],
		c.UserRegs[RegA3], c.UserRegs[RegA4], c.UserRegs[RegA5],
	}
}

// SetReturn writes a syscall's return value into a0.
func (c *Context) SetReturn(val int64) { c.UserRegs[RegA0] = uint64(val) }

// SP returns and SetSP sets the user stack pointer.
func (c *Context) SP() uint64      { return c.UserRegs[RegSP] }
func (c *Context) SetSP(v uint64)  { c.UserRegs[RegSP] = v }
func (c *Context) SetTP(v uint64)  { c.UserRegs[RegTP] = v }
func (c *Context) PC() uint64      { return c.UserSepc }
func (c *Context) SetPC(v uint64)  { c.UserSepc = v }

// FPContext is the RISC-V "D" extension register file, saved lazily rather
// than on every trap: the kernel never touches floating-point registers on
// its own behalf, so a trap into the kernel only needs to save them when a
// *different* thread is about to use the FP unit next. Grounded on
// original_source's trap/fp_ctx.rs FloatContext/fp_ctx_user_to_kernel/
// fp_ctx_kernel_to_user protocol.
type FPContext struct {
	Regs [32]uint64
	FCSR uint32
	// NeedLoad is true when Regs/FCSR may not match the hardware FP
	// register file's contents: InitUser sets it for a fresh program,
	// SyncFPOnTrap sets it after a trap with FP state dirty, and
	// SwitchFPOwner saves the hardware registers into Regs/FCSR and clears
	// it when another thread takes over the FP unit.
	NeedLoad bool
}

// defaultFCSR enables the invalid-operation exception flag and selects
// round-to-nearest-even, matching original_source's default_fcsr().
const defaultFCSR = uint32(rmRoundNearestEven<<5) | fflagNV

const (
	fflagNV              = 1 << 4
	rmRoundNearestEven    = 0
)

// InitUser resets the FP context for a freshly-started program.
func (f *FPContext) InitUser() {
	f.FCSR = defaultFCSR
	f.NeedLoad = true
}

// FPOwner tracks which thread's FP context currently lives in hardware
// registers on one hart, the "HartLocal->curr-fp-reg-belong-to" state
// original_source's fp_ctx.rs threads through a hart-local slot. It is an
// interface (rather than a direct internal/sched dependency) so this
// package stays free of an import cycle with the scheduler package that
// will own the hart-local slot.
type FPOwner interface {
	// CurrentOwner returns the Context presently reflected in hardware FP
	// registers on this hart, or nil if none.
	CurrentOwner() *Context
	// SetOwner records that ctx's FP context is now the one live in
	// hardware registers on this hart.
	SetOwner(ctx *Context)
}

// SyncFPOnTrap implements fp_ctx_user_to_kernel: on a trap out of user mode,
// if the hardware FS field shows the registers were touched (not Clean),
// mark this thread's context dirty so the next owner-switch saves it back.
func (c *Context) SyncFPOnTrap() {
	if c.sstatusFS() != sstatusFSClean {
		c.FP.NeedLoad = true
	}
}

// SwitchFPOwner implements fp_ctx_kernel_to_user: before resuming next in
// user mode, if hardware FP registers currently belong to a different
// thread, save them to that thread's context (if dirty) and load next's
// context into hardware, recording next as the new owner and marking the
// hart's FS field Clean. If hardware registers already belong to next, FS
// is left untouched — exactly as original_source's "if i = j, fs 状态不变"
// comment notes. saveHW and loadHW are the actual fld/fsd sequences, left
// to the caller since they are hart-specific assembly this package has no
// business encoding.
func SwitchFPOwner(owner FPOwner, next *Context, saveHW func(*FPContext), loadHW func(*FPContext)) {
	prev := owner.CurrentOwner()
	if prev == next {
		return
	}
	if prev != nil && prev.FP.NeedLoad {
		saveHW(&prev.FP)
		prev.FP.NeedLoad = false
	}
	loadHW(&next.FP)
	owner.SetOwner(next)
	next.setSstatusFS(sstatusFSClean)
}
