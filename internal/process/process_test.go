package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mankoros/mankoros/internal/config"
	"github.com/mankoros/mankoros/internal/errno"
	"github.com/mankoros/mankoros/internal/memory"
	"github.com/mankoros/mankoros/internal/pagetable"
	"github.com/mankoros/mankoros/internal/sched"
	"github.com/mankoros/mankoros/internal/syscall"
	"github.com/mankoros/mankoros/internal/vmarea"
)

// fakeStore backs both pagetable.PageStore and vmarea.FrameData with plain
// host memory, the same trick internal/uaccess and internal/vmarea's own
// tests use.
type fakeStore struct {
	pages map[memory.PhysPageNum]*pagetable.Page
	data  map[memory.PhysPageNum]*[memory.PageSize]byte
	next  memory.PhysPageNum
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages: make(map[memory.PhysPageNum]*pagetable.Page),
		data:  make(map[memory.PhysPageNum]*[memory.PageSize]byte),
		next:  1,
	}
}

func (f *fakeStore) Alloc() (memory.PhysPageNum, error) {
	p := f.next
	f.next++
	f.pages[p] = &pagetable.Page{}
	f.data[p] = &[memory.PageSize]byte{}
	return p, nil
}

func (f *fakeStore) Dealloc(p memory.PhysPageNum) {
	delete(f.pages, p)
	delete(f.data, p)
}

func (f *fakeStore) Page(p memory.PhysPageNum) *pagetable.Page {
	pg, ok := f.pages[p]
	if !ok {
		pg = &pagetable.Page{}
		f.pages[p] = pg
	}
	return pg
}

func (f *fakeStore) Bytes(p memory.PhysPageNum) []byte {
	d, ok := f.data[p]
	if !ok {
		d = &[memory.PageSize]byte{}
		f.data[p] = d
	}
	return d[:]
}

func (f *fakeStore) Zero(p memory.PhysPageNum) {
	b := f.Bytes(p)
	for i := range b {
		b[i] = 0
	}
}

// newTestProcess builds a Process wired against its own independent
// pagetable/frame/shared-frame stack, mirroring internal/uaccess's
// newTestValidator helper but adding the newTable callback Exec/Fork need
// to build a fresh address space.
func newTestProcess(t *testing.T) *Process {
	t.Helper()
	frames := memory.NewBitmapAllocator(1, 100000)
	shared := memory.NewSharedFrames(1, 100000)
	data := newFakeStore()

	newTable := func() (*pagetable.Table, error) {
		return pagetable.New(data, data)
	}
	table, err := newTable()
	if err != nil {
		t.Fatalf("pagetable.New: %v", err)
	}

	k := &syscall.Kernel{Clock: fakeClock{}}
	return New(table, frames, shared, data, newTable, config.DefaultLayout, nil, nil, nil, "/", k)
}

type fakeClock struct{}

func (fakeClock) NowUnixNano() int64 { return 0 }
func (fakeClock) Ticks() uint64      { return 0 }

func TestForkCloneVMSharesAddressSpace(t *testing.T) {
	parent := newTestProcess(t)
	child, err := parent.Fork(CloneVM)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.VM() != parent.VM() {
		t.Fatal("CLONE_VM fork must share the parent's vmarea.Manager")
	}
	if child.PageTableRoot() != parent.PageTableRoot() {
		t.Fatal("CLONE_VM fork must share the parent's page table root")
	}
}

func TestForkWithoutCloneVMIsIndependentAddressSpace(t *testing.T) {
	parent := newTestProcess(t)
	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.VM() == parent.VM() {
		t.Fatal("fork without CLONE_VM must build a new vmarea.Manager")
	}
	if child.PageTableRoot() == parent.PageTableRoot() {
		t.Fatal("fork without CLONE_VM must build a new page table")
	}
}

func TestForkCOWFaultGivesChildOwnFrame(t *testing.T) {
	parent := newTestProcess(t)
	start, err := parent.VM().InsertMmapAnonymous(memory.PageSize, vmarea.PermR|vmarea.PermW)
	if err != nil {
		t.Fatalf("InsertMmapAnonymous: %v", err)
	}
	ctx := context.Background()
	if err := parent.VM().HandlePageFault(ctx, start, vmarea.AccessWrite); err != nil {
		t.Fatalf("parent page-in: %v", err)
	}
	v4k := memory.NewVirtAddr4K(start.RoundDown())
	parentPTE, ok := parent.table.Walk(v4k)
	if !ok {
		t.Fatal("parent page must be mapped after page-in")
	}
	parentPPN := parentPTE.PPN()

	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := child.VM().HandlePageFault(ctx, start, vmarea.AccessWrite); err != nil {
		t.Fatalf("child cow fault: %v", err)
	}
	childPTE, ok := child.table.Walk(v4k)
	if !ok {
		t.Fatal("child page must be mapped after cow fault")
	}
	childPPN := childPTE.PPN()
	if childPPN == parentPPN {
		t.Fatal("writing through a COW fork must give the writer its own frame")
	}
}

func TestForkFilesSharingFlag(t *testing.T) {
	parent := newTestProcess(t)

	shared, err := parent.Fork(CloneFiles)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if shared.Files() != parent.Files() {
		t.Fatal("CLONE_FILES fork must share the parent's fd table")
	}

	unshared, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if unshared.Files() == parent.Files() {
		t.Fatal("fork without CLONE_FILES must duplicate the fd table")
	}
}

func TestForkThreadGroupMembership(t *testing.T) {
	parent := newTestProcess(t)

	thread, err := parent.Fork(CloneThread | CloneVM | CloneFiles | CloneFS)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if thread.TGID() != parent.TGID() {
		t.Fatal("CLONE_THREAD fork must keep the parent's tgid")
	}
	if len(parent.Children()) != 0 {
		t.Fatal("a CLONE_THREAD fork is not a waitable child")
	}

	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.TGID() != child.PID() {
		t.Fatal("a non-CLONE_THREAD fork must start its own thread group")
	}
	if len(parent.Children()) != 1 || parent.Children()[0] != child {
		t.Fatal("a non-CLONE_THREAD fork must be registered as a waitable child")
	}
}

func TestExitReparentsGrandchildrenAndSignalsParent(t *testing.T) {
	grandparent := newTestProcess(t)
	parent, err := grandparent.Fork(0)
	if err != nil {
		t.Fatalf("Fork parent: %v", err)
	}
	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork child: %v", err)
	}

	parent.Exit(7)

	if child.PPID() != grandparent.PID() {
		t.Fatalf("child must be reparented to the grandparent, got ppid %d want %d", child.PPID(), grandparent.PID())
	}
	found := false
	for _, c := range grandparent.Children() {
		if c == child {
			found = true
		}
	}
	if !found {
		t.Fatal("grandparent must inherit the reparented child")
	}
	if !grandparent.sigs.Pending(SIGCHLD) {
		t.Fatal("exiting parent must signal SIGCHLD to its own parent")
	}
	if parent.Status() != sched.StatusZombie {
		t.Fatal("Exit must leave the process in StatusZombie")
	}
	if parent.ExitCode() != 7 {
		t.Fatalf("ExitCode = %d, want 7", parent.ExitCode())
	}
}

func TestWait4SpecificPID(t *testing.T) {
	parent := newTestProcess(t)
	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child.Exit(3)

	ctx := context.Background()
	pid, code, err := parent.Wait4(ctx, child.PID())
	if err != nil {
		t.Fatalf("Wait4: %v", err)
	}
	if pid != child.PID() || code != 3 {
		t.Fatalf("Wait4 = (%d, %d), want (%d, 3)", pid, code, child.PID())
	}
	if len(parent.Children()) != 0 {
		t.Fatal("Wait4 must remove the reaped child")
	}
}

func TestWait4AnyChild(t *testing.T) {
	parent := newTestProcess(t)
	a, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork a: %v", err)
	}
	_, err = parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork b: %v", err)
	}
	a.Exit(1)

	pid, _, err := parent.Wait4(context.Background(), -1)
	if err != nil {
		t.Fatalf("Wait4: %v", err)
	}
	if pid != a.PID() {
		t.Fatalf("Wait4(-1) = %d, want %d (the zombie child)", pid, a.PID())
	}
}

func TestWait4NoMatchingChildIsECHILD(t *testing.T) {
	parent := newTestProcess(t)
	_, _, err := parent.Wait4(context.Background(), -1)
	if !errors.Is(err, errno.ECHILD) {
		t.Fatalf("Wait4 with no children: got %v, want ECHILD", err)
	}
}

func TestWait4BlocksUntilZombie(t *testing.T) {
	parent := newTestProcess(t)
	child, err := parent.Fork(0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	done := make(chan struct{})
	var gotPID, gotCode int
	go func() {
		gotPID, gotCode, _ = parent.Wait4(context.Background(), child.PID())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait4 returned before the child exited")
	case <-time.After(20 * time.Millisecond):
	}

	child.Exit(9)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait4 did not unblock after the child exited")
	}
	if gotPID != child.PID() || gotCode != 9 {
		t.Fatalf("Wait4 = (%d, %d), want (%d, 9)", gotPID, gotCode, child.PID())
	}
}

func TestInitMainBuildsInitialStack(t *testing.T) {
	p := newTestProcess(t)
	entry := config.DefaultLayout.UserDataStart
	if err := p.InitMain(entry, []string{"init"}, []string{"HOME=/"}, vmarea.DefaultAuxv(0, 0, 0, entry)); err != nil {
		t.Fatalf("InitMain: %v", err)
	}
	if p.Status() != sched.StatusReady {
		t.Fatalf("Status = %v, want StatusReady", p.Status())
	}
	if p.Trap.PC() != uint64(entry) {
		t.Fatalf("PC = %#x, want %#x", p.Trap.PC(), uint64(entry))
	}
	if p.Trap.SP() == 0 {
		t.Fatal("InitMain must set up a non-zero stack pointer")
	}
}

func TestExecRebuildsAddressSpace(t *testing.T) {
	p := newTestProcess(t)
	oldVM := p.VM()
	oldTable := p.table

	entry := config.DefaultLayout.UserDataStart
	if err := p.Exec(entry, []string{"prog"}, nil, vmarea.DefaultAuxv(0, 0, 0, entry)); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if p.VM() == oldVM {
		t.Fatal("Exec must build a fresh vmarea.Manager")
	}
	if p.table == oldTable {
		t.Fatal("Exec must build a fresh page table")
	}
	if p.Trap.PC() != uint64(entry) {
		t.Fatalf("PC = %#x, want %#x", p.Trap.PC(), uint64(entry))
	}
}

func TestDispatchForwardsToSyscallPackage(t *testing.T) {
	p := newTestProcess(t)
	p.Trap.UserRegs[17] = 172 // getpid, a7
	ret, errc := p.Dispatch(context.Background())
	if errc != 0 {
		t.Fatalf("Dispatch getpid: errno %v", errc)
	}
	if int(ret) != p.PID() {
		t.Fatalf("Dispatch getpid = %d, want %d", ret, p.PID())
	}
}

func TestExitClearsFPOwnerOnHartsThatSawIt(t *testing.T) {
	p := newTestProcess(t)
	hl := sched.NewHartLocal(0, func(bool) {})
	hl.SetOwner(p.Trap)
	p.NoteHart(hl)

	p.Exit(0)

	if hl.CurrentOwner() != nil {
		t.Fatal("Exit must clear this process's trap context as FP owner on every hart it ran on")
	}
}
