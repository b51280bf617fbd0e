package retry

import (
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens
	// a breaker.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is how long after the last failure a breaker
	// heals itself.
	DefaultResetTimeout = 60 * time.Second
)

type breakerState struct {
	failures    int
	lastFailure time.Time
}

// Breakers tracks one circuit breaker per key (typically a hostname). A
// breaker opens once a key accumulates enough consecutive failures, and
// heals lazily: the open state is re-evaluated when queried, not on a
// background timer, so a breaker that is never queried again simply stays
// open.
type Breakers struct {
	mu         sync.Mutex
	states     map[string]*breakerState
	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// NewBreakers creates a breaker set with the given threshold and reset
// window. Zero values fall back to the defaults.
func NewBreakers(threshold int, resetAfter time.Duration) *Breakers {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if resetAfter <= 0 {
		resetAfter = DefaultResetTimeout
	}
	return &Breakers{
		states:     make(map[string]*breakerState),
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// IsOpen reports whether key's breaker is open. Querying a breaker whose
// reset window has elapsed closes it and zeroes its failure count.
func (b *Breakers) IsOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok || st.failures < b.threshold {
		return false
	}
	if b.now().Sub(st.lastFailure) > b.resetAfter {
		st.failures = 0
		return false
	}
	return true
}

// RecordFailure counts one failure against key.
func (b *Breakers) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		st = &breakerState{}
		b.states[key] = st
	}
	st.failures++
	st.lastFailure = b.now()
}

// RecordSuccess closes key's breaker and clears its failures.
func (b *Breakers) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[key]; ok {
		st.failures = 0
	}
}

// BreakerStatus is a point-in-time view of one breaker, for diagnostics.
type BreakerStatus struct {
	Key         string    `json:"key"`
	Failures    int       `json:"failures"`
	Open        bool      `json:"open"`
	LastFailure time.Time `json:"last_failure"`
}

// Snapshot returns the current state of every known breaker.
func (b *Breakers) Snapshot() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerStatus, 0, len(b.states))
	now := b.now()
	for key, st := range b.states {
		open := st.failures >= b.threshold && now.Sub(st.lastFailure) <= b.resetAfter
		out = append(out, BreakerStatus{
			Key:         key,
			Failures:    st.failures,
			Open:        open,
			LastFailure: st.lastFailure,
		})
	}
	return out
}
