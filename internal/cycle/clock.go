package cycle

import (
	"context"
	"time"
)

// Clock supplies the monotonic time used for cycle pacing and the waits
// the scheduler performs. It is separate from the platform wall clock,
// which may jump when the time source resyncs.
type Clock interface {
	Now() time.Time
	// Sleep waits for d. It returns ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock returns a [Clock] backed by the runtime's monotonic clock.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
