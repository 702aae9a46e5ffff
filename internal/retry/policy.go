// Package retry holds the two backoff concerns of the queue: how far a failed
// job's run_at moves forward, and how a worker retries a store that is
// temporarily unreachable.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy computes the delay before a failed job becomes eligible again.
// attempts is the job's attempt count at the time of failure (>= 1).
type Policy interface {
	Delay(attempts int) time.Duration
}

// Exponential returns min(Base * 2^attempts, Max). With Jitter the delay is
// drawn from [d/2, d], so it never drops below half the exponential value and
// never goes negative.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

func (e Exponential) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := e.Base
	for i := 0; i < attempts; i++ {
		if e.Max > 0 && d >= e.Max {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// DefaultPolicy is 1s doubling per attempt, capped at 5m.
func DefaultPolicy() Policy {
	return Exponential{Base: time.Second, Max: 5 * time.Minute}
}
