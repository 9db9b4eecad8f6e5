package transfer

import (
	"context"
	"time"

	"github.com/DataBiosphere/ssds/objstore"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries transient failures with bounded exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter randomizes each delay by up to this fraction, in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy returns 5 attempts starting at 200ms, doubling each time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// NoRetry returns a policy making a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, fails with a non-transient error, ctx is done
// or the attempts are used up. attempt starts at 1. onRetry, if set, is
// called with the failed attempt's error and the delay before the next one.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) (int, error) {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempt++
		err := op(ctx, attempt)
		if err != nil && !objstore.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	})

	return attempt, err
}
