package ytloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Nanosecond,
		MaxInterval:     time.Nanosecond,
		Retryable:       func(error) bool { return true },
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")
	err := fastPolicy(3).Do(context.Background(), "op", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := fastPolicy(5)
	p.Retryable = func(error) bool { return false }

	calls := 0
	fatal := errors.New("bad request")
	err := p.Do(context.Background(), "op", func() error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryObservesAttempts(t *testing.T) {
	var seen []int
	p := fastPolicy(3)
	p.OnRetry = func(op string, attempt int, err error) {
		assert.Equal(t, "op", op)
		seen = append(seen, attempt)
	}

	_ = p.Do(context.Background(), "op", func() error {
		return errors.New("transient")
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy(100).Do(ctx, "op", func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}
