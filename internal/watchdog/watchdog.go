// Package watchdog notices when the process that started us goes away.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultInterval is how often the parent is checked where the host has no
// exit notification.
const DefaultInterval = 250 * time.Millisecond

// Watch blocks until the parent process exits, then calls onExit and
// returns nil. It returns ctx.Err() without calling onExit when ctx is done
// first. A process that is already orphaned reports at once.
func Watch(ctx context.Context, interval time.Duration, log *zap.Logger, onExit func()) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	ppid := unix.Getppid()
	if ppid <= 1 {
		log.Info("already orphaned")
		onExit()
		return nil
	}
	log.Debug("watching parent", zap.Int("ppid", ppid))
	if err := watch(ctx, ppid, interval); err != nil {
		return err
	}
	log.Info("parent exited", zap.Int("ppid", ppid))
	onExit()
	return nil
}

// poll waits for the parent to change by polling getppid.
func poll(ctx context.Context, ppid int, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if unix.Getppid() != ppid {
				return nil
			}
		}
	}
}
