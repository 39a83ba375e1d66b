// Package sched implements the scheduler core from spec section 4.8/4.9:
// the per-hart cooperative executor, the sleep queue, and hart-local
// state (current process, SUM nesting depth hand-off, FP-register
// ownership, timer statistics). It is grounded on biscuit's per-CPU
// scheduling idiom, re-expressed in Go as a goroutine-per-hart executor
// since biscuit's own "proc" package — where the CPU-local run queue and
// scheduler loop would live — was trimmed from the retrieval pack down to
// a bare go.mod; `justanotherdot-biscuit` (reference material) supplies
// the per-hart trap/IRQ dispatch-loop shape this package follows instead.
package sched

import (
	"container/heap"
	"sync"
)

// Waker is the callback a sleeping future registers to be resumed once
// its wake time arrives: pushing itself back onto an executor's runnable
// deque, mirroring a no-op-waker future's wake() in spec section 4.8.
type Waker func()

// sleepEntry is one (wakeTime, waker) pair, spec section 3's "Min-heap of
// (absolute-wake-time, waker)".
type sleepEntry struct {
	wakeTime uint64
	waker    Waker
	// cancelled marks an entry whose owning future was dropped before it
	// fired; spec section 5 specifies sleep futures are cancelled lazily,
	// removed from the heap "on next pop" rather than eagerly searched
	// for and spliced out.
	cancelled bool
}

type sleepHeap []*sleepEntry

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wakeTime < h[j].wakeTime }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x any)         { *h = append(*h, x.(*sleepEntry)) }
func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// SleepQueue is the process-global sleep queue from spec section 3/4.8: a
// binary heap of (wake_time, waker), popped by the timer-tick handler
// (Tick) and pushed to by a sleep future's first poll (Push). It is
// process-global and spin-locked, per spec section 5.
type SleepQueue struct {
	mu   sync.Mutex
	heap sleepHeap
}

// NewSleepQueue creates an empty sleep queue.
func NewSleepQueue() *SleepQueue {
	return &SleepQueue{}
}

// Handle identifies one registered sleep, returned by Push so the caller
// can Cancel it if the owning future is dropped before it fires.
type Handle struct {
	entry *sleepEntry
}

// Push registers waker to fire once now has reached wakeTime, returning a
// Handle the caller can Cancel.
func (q *SleepQueue) Push(wakeTime uint64, waker Waker) Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := &sleepEntry{wakeTime: wakeTime, waker: waker}
	heap.Push(&q.heap, e)
	return Handle{entry: e}
}

// Cancel marks a previously pushed sleep as cancelled; it is not spliced
// out of the heap immediately (spec section 5's lazy-cancellation rule),
// only skipped the next time Tick would have popped it.
func (q *SleepQueue) Cancel(h Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h.entry.cancelled = true
}

// Tick advances the queue to now, popping and firing every waker whose
// wake time has arrived, per spec section 4.5's timer-interrupt handler
// ("advance sleep queue, schedule next tick"). Cancelled entries are
// discarded without being woken.
func (q *SleepQueue) Tick(now uint64) {
	var due []Waker
	q.mu.Lock()
	for len(q.heap) > 0 && q.heap[0].wakeTime <= now {
		e := heap.Pop(&q.heap).(*sleepEntry)
		if e.cancelled {
			continue
		}
		due = append(due, e.waker)
	}
	q.mu.Unlock()

	for _, w := range due {
		w()
	}
}

// Len reports the number of entries still pending, including cancelled
// ones not yet popped — a test/diagnostic accessor, not part of the
// scheduling algorithm itself.
func (q *SleepQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// NextWake returns the earliest pending wake time and whether the queue
// is non-empty.
func (q *SleepQueue) NextWake() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].wakeTime, true
}
