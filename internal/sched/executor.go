package sched

import (
	"container/list"
	"context"
	"runtime"
	"sync"

	"github.com/mankoros/mankoros/internal/memory"
	"golang.org/x/sync/errgroup"
)

// Runnable is a unit of scheduled work: a closure wrapping a resumed
// future's poll, spec section 4.8's "vtable (schedule/run/drop)" collapsed
// to the one operation a hosted Go translation actually needs — the
// schedule/drop halves are implicit in how the closure captures state and
// in Go's own garbage collection.
type Runnable func()

// Queue is one hart's LIFO deque of runnables: Pop returns the most
// recently pushed runnable first. Backed by container/list, matching biscuit's doubly-linked
// free-list idiom elsewhere in the pack rather than a channel, so that
// "harts do not steal work" (spec section 5) is structural — a Queue is
// never shared between two Executors.
type Queue struct {
	mu sync.Mutex
	l  *list.List
}

// NewQueue creates an empty queue with the given initial-capacity hint
// (container/list has no preallocation, so cap is accepted for API parity
// with config.Scheduler.RunnableQueueCapacity and otherwise ignored).
func NewQueue(cap int) *Queue {
	_ = cap
	return &Queue{l: list.New()}
}

// Push adds r to the front of the deque (LIFO: the most recently
// scheduled runnable runs next).
func (q *Queue) Push(r Runnable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.l.PushFront(r)
}

// Pop removes and returns the front runnable, if any.
func (q *Queue) Pop() (Runnable, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.l.Front()
	if e == nil {
		return nil, false
	}
	q.l.Remove(e)
	return e.Value.(Runnable), true
}

// Len reports the number of runnables currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// Executor is the per-hart cooperative task runner from spec section 4.8.
// Each hart owns exactly one Executor and one Queue; Run drains the queue
// until it empties or ctx is cancelled.
type Executor struct {
	Hart  *HartLocal
	Queue *Queue
}

// NewExecutor creates an Executor for hart, backed by a fresh Queue sized
// per cap.
func NewExecutor(hart *HartLocal, cap int) *Executor {
	return &Executor{Hart: hart, Queue: NewQueue(cap)}
}

// Schedule enqueues r to run on this hart.
func (e *Executor) Schedule(r Runnable) {
	e.Queue.Push(r)
}

// Run drains the queue, running one runnable at a time until it empties
// or ctx is cancelled. There is no preemption (spec section 1's
// non-goals): a runnable that never returns blocks this hart forever,
// exactly as a cooperative executor's contract requires.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r, ok := e.Queue.Pop()
		if !ok {
			return
		}
		r()
	}
}

// RunHarts starts n per-hart executor loops as goroutines under an
// errgroup.Group, the host-runnable simulation mode every multi-hart test
// uses in place of the real kernel's SBI hart_start boot path (spec
// section 6). fn receives each hart's id and runs that hart's loop; the
// first fn to return a non-nil error cancels the group's context and is
// propagated by Wait, matching golang.org/x/sync/errgroup's usual
// fail-fast fan-out (grounded on SeleniaProject-Orizon's own use of
// errgroup for concurrent bring-up in its package manager).
func RunHarts(ctx context.Context, n int, fn func(ctx context.Context, hartID int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < n; id++ {
		id := id
		g.Go(func() error { return fn(gctx, id) })
	}
	return g.Wait()
}

// BlockOn spins a busy-poll loop over poll until it reports ready,
// spec section 4.8's "noop-waker block_on ... for synchronous contexts
// (device init, filesystem mount)". runtime.Gosched yields between polls
// so BlockOn does not starve other goroutines standing in for concurrent
// harts/futures in the host simulation.
func BlockOn[T any](poll func() (T, bool)) T {
	for {
		if v, ok := poll(); ok {
			return v
		}
		runtime.Gosched()
	}
}

// RunOutermost implements spec section 4.8's "outermost future": on every
// invocation it (a) records p as the hart's current process, (b) switches
// the page table to p's root only if it differs from the hart's last
// loaded root, (c) runs inner, (d) restores the previous page table and
// current-process values. loadSATP is the hart-specific instruction that
// actually writes the satp CSR.
func RunOutermost(hart *HartLocal, p ProcessHandle, loadSATP func(memory.PhysPageNum), inner func()) {
	prevProc := hart.Current()
	hart.SetCurrent(p)
	prevSATP, hadPrev := hart.SwitchSATPIfNeeded(p, loadSATP)

	inner()

	hart.RestoreSATP(prevSATP, hadPrev, loadSATP)
	hart.SetCurrent(prevProc)
}
