package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWatchCanceled(t *testing.T) {
	if unix.Getppid() <= 1 {
		t.Skip("test process is orphaned")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	err := Watch(ctx, 5*time.Millisecond, nil, func() { called = true })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Watch() = %v, want deadline exceeded", err)
	}
	if called {
		t.Error("onExit called while the parent is alive")
	}
}

func TestPollNoticesChange(t *testing.T) {
	// A ppid that is not ours looks like a reparent on the first tick.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := poll(ctx, -1, time.Millisecond); err != nil {
		t.Fatalf("poll() = %v, want nil", err)
	}
}
