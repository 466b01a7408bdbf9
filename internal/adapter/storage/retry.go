package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rl1809/meal-dispatch/internal/port"
)

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry is called before every re-run, e.g. to count retries.
	OnRetry func(err error, wait time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// Run calls attempt until it succeeds, fails with a non-conflict error, the
// attempt bound is reached or ctx is done.
func (p RetryPolicy) Run(ctx context.Context, attempt func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)

	op := func() error {
		err := attempt()
		if err == nil || errors.Is(err, port.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, wait)
		}
	})
	if err != nil && errors.Is(err, port.ErrConflict) {
		return fmt.Errorf("%w (%d attempts): %w", port.ErrTxAborted, maxAttempts, err)
	}
	return err
}
