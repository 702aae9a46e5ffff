package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SirClappington/jobq/internal/domain"
)

// StoreRetrier retries operations that fail with domain.ErrStoreUnavailable.
// Any other error stops the retry and is returned as is.
type StoreRetrier struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the total retry time; past it the last error is
	// returned and the caller treats the store as lost.
	MaxElapsed time.Duration
	// Notify is called before each retry sleep.
	Notify func(err error, next time.Duration)
}

func NewStoreRetrier(maxElapsed time.Duration) *StoreRetrier {
	return &StoreRetrier{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      maxElapsed,
	}
}

func (r *StoreRetrier) Do(ctx context.Context, op func() error) error {
	operation := func() error {
		err := op()
		if err == nil || domain.IsRetryableStore(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	expBo := backoff.NewExponentialBackOff()
	expBo.InitialInterval = r.InitialInterval
	expBo.MaxInterval = r.MaxInterval
	expBo.MaxElapsedTime = r.MaxElapsed

	bo := backoff.WithContext(expBo, ctx)
	if r.Notify != nil {
		return backoff.RetryNotify(operation, bo, r.Notify)
	}
	return backoff.Retry(operation, bo)
}
