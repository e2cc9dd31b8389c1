package ytloop

import (
	"errors"
	"io"
	"net"
	"syscall"

	"google.golang.org/api/googleapi"
)

var (
	ErrStreamNotBound  = errors.New("broadcast has no bound stream")
	ErrOutputNotActive = errors.New("obs output did not become active in time")
	ErrNotConnected    = errors.New("obs client is not connected")
	ErrSessionLive     = errors.New("another session is still live")
)

// IsRateLimited reports whether err is a YouTube API rate-limit or quota
// rejection. These calls must back off and be retried.
func IsRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == 429 {
		return true
	}
	if gerr.Code != 403 {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

// IsAuthExpired reports whether err indicates the access token is no longer
// accepted. The broadcast client re-runs authentication once and retries.
func IsAuthExpired(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 401
}

// IsRetryable classifies err for the retry policy: rate limits, transport
// errors and server-side 5xx responses are transient, everything else is
// handed back to the caller immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
