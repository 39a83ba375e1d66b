//go:build harness

package harness

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mankoros/mankoros/internal/sched"
	"github.com/mankoros/mankoros/internal/syscall"
)

type fakeClock struct{ ticks atomic.Uint64 }

func (c *fakeClock) NowUnixNano() int64 { return 0 }
func (c *fakeClock) Ticks() uint64      { return c.ticks.Load() }

func TestFileBlockDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := NewFileBlockDevice(path)
	if err != nil {
		t.Fatalf("NewFileBlockDevice: %v", err)
	}
	defer dev.Close()

	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i)
	}
	if err := dev.WriteBlock(3, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, BlockSize)
	if err := dev.ReadBlock(3, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestPipeReadWriteRoundTrip(t *testing.T) {
	read, write := NewPipe()
	ctx := context.Background()

	msg := []byte("hello pipe")
	if n, err := write.WriteAt(ctx, 0, msg); err != nil || n != len(msg) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(msg))
	if n, err := read.ReadAt(ctx, 0, got); err != nil || n != len(msg) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if string(got) != string(msg) {
		t.Fatalf("ReadAt = %q, want %q", got, msg)
	}
}

func TestPipeBackpressureBlocksWriterUntilDrained(t *testing.T) {
	read, write := NewPipe()
	ctx := context.Background()

	full := make([]byte, PipeCapacity)
	if n, err := write.WriteAt(ctx, 0, full); err != nil || n != len(full) {
		t.Fatalf("fill WriteAt: n=%d err=%v", n, err)
	}

	done := make(chan struct{})
	extra := []byte("overflow")
	go func() {
		write.WriteAt(ctx, 0, extra)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write into a full pipe must block until the reader drains space")
	case <-time.After(20 * time.Millisecond):
	}

	drained := make([]byte, len(extra))
	if _, err := read.ReadAt(ctx, 0, drained); err != nil {
		t.Fatalf("drain ReadAt: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after the reader drained space")
	}
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	read, write := NewPipe()
	ctx := context.Background()

	rw := write.(*pipeWriteEnd)
	rw.Close()

	buf := make([]byte, 8)
	n, err := read.ReadAt(ctx, 0, buf)
	if err != nil {
		t.Fatalf("ReadAt after writer close: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReadAt after writer close = %d bytes, want 0 (EOF)", n)
	}
}

func TestWireSleepUnblocksOnTick(t *testing.T) {
	clock := &fakeClock{}
	k := &syscall.Kernel{Clock: clock}
	sq := sched.NewSleepQueue()
	WireSleep(k, sq)

	done := make(chan error, 1)
	ctx := context.Background()
	go func() {
		done <- k.Sleep(ctx, 10)
	}()

	select {
	case <-done:
		t.Fatal("Sleep returned before the sleep queue advanced past the wake tick")
	case <-time.After(20 * time.Millisecond):
	}

	clock.ticks.Store(5)
	sq.Tick(5)
	select {
	case <-done:
		t.Fatal("Sleep returned before the wake tick was reached")
	case <-time.After(20 * time.Millisecond):
	}

	clock.ticks.Store(10)
	sq.Tick(10)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep returned error %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not unblock after the sleep queue advanced past the wake tick")
	}
}
