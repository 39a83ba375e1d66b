//go:build harness

package harness

import (
	"context"

	"github.com/mankoros/mankoros/internal/sched"
	"github.com/mankoros/mankoros/internal/syscall"
)

// WireSleep installs k.Sleep as a hook that parks the calling goroutine
// on sq until sq.Tick advances past the requested tick delta (or ctx is
// cancelled first), the concrete implementation syscall.Kernel.Sleep's
// doc comment describes as living "in the process/executor layer" —
// this harness package is where it lives for the host-runnable test
// build, since it is the one place both internal/sched and
// internal/syscall can be imported together without either importing
// the other.
func WireSleep(k *syscall.Kernel, sq *sched.SleepQueue) {
	k.Sleep = func(ctx context.Context, ticks uint64) error {
		now := k.Clock.Ticks()
		woken := make(chan struct{})
		h := sq.Push(now+ticks, func() { close(woken) })
		select {
		case <-woken:
			return nil
		case <-ctx.Done():
			sq.Cancel(h)
			return ctx.Err()
		}
	}
}
