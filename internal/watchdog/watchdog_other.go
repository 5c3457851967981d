//go:build !darwin

package watchdog

import (
	"context"
	"time"
)

func watch(ctx context.Context, ppid int, interval time.Duration) error {
	return poll(ctx, ppid, interval)
}
