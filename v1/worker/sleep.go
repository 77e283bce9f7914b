package worker

import (
	"context"
	"time"
)

// Sleeper suspends the calling goroutine for d. A non-nil error means the
// suspension did not complete.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper. It blocks for d and fails only if ctx ends
// first. Non-positive durations return immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
