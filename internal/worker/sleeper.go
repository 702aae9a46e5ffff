package worker

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
)

// Sleeper blocks an idle worker until d elapses, something signals that work
// may be available, or ctx is done. Returning early is always allowed.
type Sleeper interface {
	Wait(ctx context.Context, d time.Duration) error
}

// ClockSleeper waits on a clock timer.
type ClockSleeper struct {
	Clock clock.Clock
}

func (s ClockSleeper) Wait(ctx context.Context, d time.Duration) error {
	c := s.Clock
	if c == nil {
		c = clock.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
