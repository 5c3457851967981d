//go:build darwin

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// watch registers for NOTE_EXIT on the parent and waits on the kqueue,
// waking every interval to check ctx.
func watch(ctx context.Context, ppid int, interval time.Duration) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("watchdog: kqueue: %w", err)
	}
	defer unix.Close(kq)

	ev := make([]unix.Kevent_t, 1)
	unix.SetKevent(&ev[0], ppid, unix.EVFILT_PROC, unix.EV_ADD|unix.EV_ONESHOT)
	ev[0].Fflags = unix.NOTE_EXIT
	if _, err := unix.Kevent(kq, ev, nil, nil); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("watchdog: register parent %d: %w", ppid, err)
	}

	ts := unix.NsecToTimespec(interval.Nanoseconds())
	out := make([]unix.Kevent_t, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Kevent(kq, nil, out, &ts)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return poll(ctx, ppid, interval)
		case n > 0:
			return nil
		}
	}
}
