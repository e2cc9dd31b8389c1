package ytloop

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is applied uniformly at the client-call boundary: a bounded
// number of attempts with exponential backoff, retrying only errors the
// Retryable classifier accepts.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Retryable       func(error) bool

	// OnRetry, when set, observes every failed attempt that will be retried.
	OnRetry func(op string, attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Retryable:       IsRetryable,
	}
}

// Do runs fn until it succeeds, a non-retryable error occurs, the attempt
// budget is spent, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), attempts-1))
}
