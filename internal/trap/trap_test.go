package trap

import (
	"testing"

	"github.com/mankoros/mankoros/internal/memory"
)

func TestContextInitUser(t *testing.T) {
	var c Context
	c.InitUser(0x1000, 0x2000, 3, 0x3000, 0x4000)
	if c.SP() != 0x1000 {
		t.Fatalf("expected sp 0x1000, got %#x", c.SP())
	}
	if c.PC() != 0x2000 {
		t.Fatalf("expected pc 0x2000, got %#x", c.PC())
	}
	args := c.SyscallArgs()
	if args[0] != 3 || args[1] != 0x3000 || args[2] != 0x4000 {
		t.Fatalf("unexpected initial argument registers: %+v", args)
	}
	if !c.FP.NeedLoad {
		t.Fatal("expected a freshly initialized context to need an FP load")
	}
}

func TestContextSyscallABI(t *testing.T) {
	var c Context
	c.UserRegs[RegA7] = 64 // write
	c.UserRegs[RegA0] = 1
	c.UserRegs[RegA1] = 0xdead
	c.UserRegs[RegA2] = 8
	if c.SyscallNo() != 64 {
		t.Fatalf("expected syscall 64, got %d", c.SyscallNo())
	}
	args := c.SyscallArgs()
	if args[0] != 1 || args[1] != 0xdead || args[2] != 8 {
		t.Fatalf("unexpected syscall args: %+v", args)
	}
	c.SetReturn(-14)
	if int64(c.UserRegs[RegA0]) != -14 {
		t.Fatalf("SetReturn did not write a0: %#x", c.UserRegs[RegA0])
	}
}

func TestAdvancePC(t *testing.T) {
	var c Context
	c.UserSepc = 0x1000
	c.AdvancePC(4)
	if c.PC() != 0x1004 {
		t.Fatalf("expected pc 0x1004, got %#x", c.PC())
	}
}

func TestSyncFPOnTrapMarksDirtyWhenNotClean(t *testing.T) {
	var c Context
	c.FP.NeedLoad = false
	c.setSstatusFS(sstatusFSDirty)
	c.SyncFPOnTrap()
	if !c.FP.NeedLoad {
		t.Fatal("expected NeedLoad set after a trap with FS dirty")
	}
}

func TestSyncFPOnTrapLeavesCleanAlone(t *testing.T) {
	var c Context
	c.FP.NeedLoad = false
	c.setSstatusFS(sstatusFSClean)
	c.SyncFPOnTrap()
	if c.FP.NeedLoad {
		t.Fatal("expected NeedLoad to stay false when FS was already clean")
	}
}

type fakeFPOwner struct{ cur *Context }

func (f *fakeFPOwner) CurrentOwner() *Context  { return f.cur }
func (f *fakeFPOwner) SetOwner(ctx *Context)    { f.cur = ctx }

func TestSwitchFPOwnerSavesPreviousWhenDirty(t *testing.T) {
	a := &Context{}
	b := &Context{}
	a.FP.NeedLoad = true
	owner := &fakeFPOwner{cur: a}

	var saved, loaded *FPContext
	SwitchFPOwner(owner, b, func(fp *FPContext) { saved = fp }, func(fp *FPContext) { loaded = fp })

	if saved != &a.FP {
		t.Fatal("expected a's dirty FP context to be saved")
	}
	if loaded != &b.FP {
		t.Fatal("expected b's FP context to be loaded into hardware")
	}
	if a.FP.NeedLoad {
		t.Fatal("expected a's NeedLoad cleared after saving")
	}
	if owner.CurrentOwner() != b {
		t.Fatal("expected ownership transferred to b")
	}
	if b.sstatusFS() != sstatusFSClean {
		t.Fatal("expected b's FS marked clean after taking ownership")
	}
}

func TestSwitchFPOwnerNoopWhenAlreadyOwner(t *testing.T) {
	a := &Context{}
	owner := &fakeFPOwner{cur: a}
	called := false
	SwitchFPOwner(owner, a, func(*FPContext) { called = true }, func(*FPContext) { called = true })
	if called {
		t.Fatal("expected no hardware save/load when next is already the owner")
	}
}

type fakeAreaChecker struct {
	readable, writable map[memory.VirtAddr]bool
}

func (f fakeAreaChecker) CheckAccess(va memory.VirtAddr, write bool) error {
	m := f.readable
	if write {
		m = f.writable
	}
	if m[va] {
		return nil
	}
	return errProbeUnavailable
}

func TestProbeReadWrite(t *testing.T) {
	checker := fakeAreaChecker{
		readable: map[memory.VirtAddr]bool{0x1000: true},
		writable: map[memory.VirtAddr]bool{},
	}
	p := NewProbe(checker)
	if p.WillReadFail(0x1000) {
		t.Fatal("expected readable address not to fail")
	}
	if !p.WillWriteFail(0x1000) {
		t.Fatal("expected non-writable address to fail")
	}
	if !p.WillReadFail(0x2000) {
		t.Fatal("expected unmapped address to fail")
	}
}

func TestSUMDepthNesting(t *testing.T) {
	var transitions []bool
	d := NewSUMDepth(func(enabled bool) { transitions = append(transitions, enabled) })
	d.Enter()
	d.Enter()
	d.Exit()
	d.Exit()
	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Fatalf("expected exactly one enable and one disable, got %+v", transitions)
	}
}

func TestSUMDepthExitWithoutEnterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unmatched Exit")
		}
	}()
	d := NewSUMDepth(func(bool) {})
	d.Exit()
}

func TestNilAreaCheckerAlwaysFails(t *testing.T) {
	var c NilAreaChecker
	if c.CheckAccess(0x1000, false) == nil {
		t.Fatal("expected NilAreaChecker to reject every access")
	}
}
