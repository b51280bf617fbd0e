package retry

import "time"

// DefaultRetryStatuses are the HTTP codes retried when a Config does not
// name its own set: request timeout, rate limiting, and server errors.
var DefaultRetryStatuses = []int{408, 429, 500, 502, 503, 504}

// Config controls one Do invocation. The zero value is filled with the
// Standard preset's pacing but performs no retries; start from a preset for
// anything user-facing.
type Config struct {
	// MaxRetries is the number of re-attempts after the first try, so
	// fn runs at most MaxRetries+1 times.
	MaxRetries int

	// InitialDelay seeds the backoff; attempt n (0-indexed) waits
	// min(InitialDelay * Multiplier^n, MaxDelay) before the next try.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter scales each delay by a uniform factor in [1.0, 1.25) so
	// many clients recovering together do not retry in lockstep.
	Jitter bool

	// NetworkOnly restricts retries to connectivity and timeout
	// failures; HTTP statuses never retry.
	NetworkOnly bool

	// RetryOnStatus lists the HTTP codes worth retrying. Ignored when
	// NetworkOnly is set. Defaults to DefaultRetryStatuses.
	RetryOnStatus []int

	// Timeout bounds each individual attempt. The operation itself is
	// not forcibly cancelled; it is abandoned and the attempt fails
	// with ErrAttemptTimeout.
	Timeout time.Duration

	// BreakerKey, when non-empty, names the circuit breaker consulted
	// before attempting and updated afterwards.
	BreakerKey string

	// Observer, when non-nil, is notified before each backoff wait. It
	// drives progress UI and never affects control flow.
	Observer Observer
}

// State describes a scheduled retry, passed to the Observer before the wait.
type State struct {
	// Attempt is the 1-based number of the attempt that just failed.
	Attempt int
	// Total is the maximum number of attempts for this invocation.
	Total int
	// Delay is the computed backoff before the next attempt.
	Delay time.Duration
	// Err is the failure that triggered the retry.
	Err error
}

// Observer receives retry notifications.
type Observer interface {
	OnRetry(State)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(State)

func (f ObserverFunc) OnRetry(s State) { f(s) }

// Quick is tuned for interactive calls: give up fast rather than leave a
// spinner on screen.
func Quick() Config {
	return Config{
		MaxRetries:    2,
		InitialDelay:  300 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2,
		Jitter:        true,
		RetryOnStatus: DefaultRetryStatuses,
		Timeout:       5 * time.Second,
	}
}

// Standard is the default trade-off for ordinary API reads.
func Standard() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        true,
		RetryOnStatus: DefaultRetryStatuses,
		Timeout:       15 * time.Second,
	}
}

// Aggressive is for writes that must land: more attempts, longer timeouts.
func Aggressive() Config {
	return Config{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2,
		Jitter:        true,
		RetryOnStatus: DefaultRetryStatuses,
		Timeout:       60 * time.Second,
	}
}

// Patient spreads attempts out for long-running background jobs.
func Patient() Config {
	return Config{
		MaxRetries:    4,
		InitialDelay:  2 * time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    3,
		Jitter:        true,
		RetryOnStatus: DefaultRetryStatuses,
		Timeout:       30 * time.Second,
	}
}

// NetworkOnly retries purely on connectivity loss and ignores HTTP status.
func NetworkOnly() Config {
	c := Standard()
	c.NetworkOnly = true
	c.RetryOnStatus = nil
	return c
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.RetryOnStatus == nil && !c.NetworkOnly {
		c.RetryOnStatus = DefaultRetryStatuses
	}
	return c
}
