// Package retry executes fallible operations with bounded retries,
// exponential backoff with jitter, connectivity-aware waiting, and a
// per-key circuit breaker that sheds load from failing endpoints.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrCircuitOpen is returned without attempting the operation when
	// the named circuit breaker is open.
	ErrCircuitOpen = errors.New("retry: circuit open")

	// ErrOffline marks an attempt that was abandoned because
	// connectivity did not return within the wait window.
	ErrOffline = errors.New("retry: network offline")

	// ErrAttemptTimeout marks an attempt that did not settle within the
	// configured per-attempt timeout.
	ErrAttemptTimeout = errors.New("retry: attempt timed out")
)

// StatusError carries a non-2xx HTTP response through the retry loop so the
// status code can drive the retry decision.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s", e.Status)
}

// isNetworkError reports whether err looks like a connectivity failure
// rather than an application error.
func isNetworkError(err error) bool {
	if errors.Is(err, ErrOffline) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// isTimeoutError reports whether err is a per-attempt timeout. Parent
// context cancellation is deliberately excluded: the caller gave up, so
// retrying would be wrong.
func isTimeoutError(err error) bool {
	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
