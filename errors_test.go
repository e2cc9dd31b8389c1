package ytloop

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func gerr(code int, reason string) error {
	e := &googleapi.Error{Code: code}
	if reason != "" {
		e.Errors = []googleapi.ErrorItem{{Reason: reason}}
	}
	return fmt.Errorf("call failed: %w", e)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(gerr(429, "")))
	assert.True(t, IsRateLimited(gerr(403, "rateLimitExceeded")))
	assert.True(t, IsRateLimited(gerr(403, "quotaExceeded")))
	assert.False(t, IsRateLimited(gerr(403, "forbidden")))
	assert.False(t, IsRateLimited(gerr(400, "")))
	assert.False(t, IsRateLimited(errors.New("plain")))
	assert.False(t, IsRateLimited(nil))
}

func TestIsAuthExpired(t *testing.T) {
	assert.True(t, IsAuthExpired(gerr(401, "")))
	assert.False(t, IsAuthExpired(gerr(403, "rateLimitExceeded")))
	assert.False(t, IsAuthExpired(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(gerr(429, "")))
	assert.True(t, IsRetryable(gerr(500, "")))
	assert.True(t, IsRetryable(gerr(503, "backendError")))
	assert.True(t, IsRetryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.False(t, IsRetryable(gerr(400, "")))
	assert.False(t, IsRetryable(gerr(401, "")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestMapStreamStatus(t *testing.T) {
	assert.Equal(t, HealthLive, mapStreamStatus("active"))
	assert.Equal(t, HealthStalled, mapStreamStatus("inactive"))
	assert.Equal(t, HealthStalled, mapStreamStatus("error"))
	assert.Equal(t, HealthUnknown, mapStreamStatus("ready"))
	assert.Equal(t, HealthUnknown, mapStreamStatus("created"))
	assert.Equal(t, HealthUnknown, mapStreamStatus(""))
}
