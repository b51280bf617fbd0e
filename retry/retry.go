package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

const (
	// connectivityWait bounds how long a retry waits for the network to
	// come back before giving up on that attempt.
	connectivityWait = 5 * time.Second

	// connectivityPoll is the probe interval during the wait.
	connectivityPoll = 250 * time.Millisecond
)

// Probe answers whether the network is reachable right now. Implementations
// wrap whatever reachability signal the platform offers.
type Probe interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// Engine owns the shared retry state: the breaker set, the connectivity
// probe, and the time sources. One Engine serves a whole process.
type Engine struct {
	breakers *Breakers
	probe    Probe
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	randf    func() float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreakers substitutes a custom breaker set.
func WithBreakers(b *Breakers) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithProbe sets the connectivity probe. Without one, retries assume the
// network is reachable.
func WithProbe(p Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithLogger sets the logger for retry and breaker activity.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSleep injects the delay function, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRand injects the jitter source, for tests.
func WithRand(f func() float64) Option {
	return func(e *Engine) { e.randf = f }
}

// NewEngine creates an Engine with default breakers and no probe.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		breakers: NewBreakers(0, 0),
		log:      zerolog.Nop(),
		sleep:    sleepCtx,
		randf:    rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Breakers exposes the engine's breaker set, mainly for diagnostics.
func (e *Engine) Breakers() *Breakers { return e.breakers }

// Do runs fn with the retry policy in cfg: up to MaxRetries+1 attempts,
// each bounded by cfg.Timeout, with exponential backoff between attempts
// and a connectivity wait before each retry. When cfg.BreakerKey is set, an
// open breaker fails fast with ErrCircuitOpen, a final failure is recorded
// against the breaker, and success clears it.
//
// Do has no cancellation handle of its own beyond ctx; once ctx is done the
// loop stops and ctx's error is returned.
func Do[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error), cfg Config) (T, error) {
	cfg = cfg.withDefaults()
	var zero T

	if cfg.BreakerKey != "" && e.breakers.IsOpen(cfg.BreakerKey) {
		e.log.Debug().Str("breaker", cfg.BreakerKey).Msg("retry: circuit open, failing fast")
		return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, cfg.BreakerKey)
	}

	total := cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < total; attempt++ {
		var result T
		var err error

		if attempt > 0 && !e.waitForConnectivity(ctx) {
			err = ErrOffline
		} else {
			result, err = runAttempt(ctx, fn, cfg.Timeout)
		}

		if err == nil {
			if cfg.BreakerKey != "" {
				e.breakers.RecordSuccess(cfg.BreakerKey)
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt == total-1 || !shouldRetry(err, cfg) {
			break
		}

		delay := backoffDelay(cfg, attempt, e.randf)
		if cfg.Observer != nil {
			cfg.Observer.OnRetry(State{
				Attempt: attempt + 1,
				Total:   total,
				Delay:   delay,
				Err:     err,
			})
		}
		e.log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("total", total).
			Dur("delay", delay).
			Msg("retry: backing off")
		if serr := e.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	// Caller cancellation says nothing about the endpoint's health.
	if cfg.BreakerKey != "" && !errors.Is(lastErr, context.Canceled) {
		e.breakers.RecordFailure(cfg.BreakerKey)
	}
	return zero, lastErr
}

// runAttempt races fn against the per-attempt timeout. The operation is not
// forcibly stopped on timeout; fn must honor ctx itself if it needs prompt
// cleanup.
func runAttempt[T any](ctx context.Context, fn func(context.Context) (T, error), timeout time.Duration) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

// shouldRetry decides whether err warrants another attempt under cfg.
func shouldRetry(err error, cfg Config) bool {
	if isNetworkError(err) || isTimeoutError(err) {
		return true
	}
	if cfg.NetworkOnly {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		for _, code := range cfg.RetryOnStatus {
			if se.StatusCode == code {
				return true
			}
		}
	}
	return false
}

// backoffDelay computes the wait before the attempt after n (0-indexed):
// min(initial * multiplier^n, max), jittered by [1.0, 1.25) when enabled,
// truncated to whole milliseconds.
func backoffDelay(cfg Config, n int, randf func() float64) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d *= 1 + 0.25*randf()
	}
	ms := int64(d / float64(time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// waitForConnectivity polls the probe until the network is back, up to
// connectivityWait. Returns true immediately when no probe is configured.
func (e *Engine) waitForConnectivity(ctx context.Context) bool {
	if e.probe == nil || e.probe.Online(ctx) {
		return true
	}
	for i := 0; i < int(connectivityWait/connectivityPoll); i++ {
		if err := e.sleep(ctx, connectivityPoll); err != nil {
			return false
		}
		if e.probe.Online(ctx) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
