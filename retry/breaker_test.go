package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreakers(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.RecordFailure("api.example.com")
		if b.IsOpen("api.example.com") {
			t.Fatalf("breaker open after %d failures, threshold is 5", i+1)
		}
	}
	b.RecordFailure("api.example.com")
	assert.True(t, b.IsOpen("api.example.com"))

	// Other keys are unaffected.
	assert.False(t, b.IsOpen("other.example.com"))
}

func TestBreakerSuccessResets(t *testing.T) {
	b := NewBreakers(5, time.Minute)

	for i := 0; i < 5; i++ {
		b.RecordFailure("k")
	}
	require.True(t, b.IsOpen("k"))

	b.RecordSuccess("k")
	assert.False(t, b.IsOpen("k"))

	// The count restarts from zero: four new failures stay closed.
	for i := 0; i < 4; i++ {
		b.RecordFailure("k")
	}
	assert.False(t, b.IsOpen("k"))
}

func TestBreakerLazyReset(t *testing.T) {
	b := NewBreakers(5, time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		b.RecordFailure("k")
	}
	require.True(t, b.IsOpen("k"))

	// Still within the reset window.
	now = now.Add(59 * time.Second)
	assert.True(t, b.IsOpen("k"))

	// Past the window: the query itself closes the breaker and zeroes
	// the count.
	now = now.Add(2 * time.Second)
	assert.False(t, b.IsOpen("k"))

	b.RecordFailure("k")
	assert.False(t, b.IsOpen("k"), "failure count should have restarted from zero")
}

func TestDoFailsFastWhenOpen(t *testing.T) {
	e, _ := newTestEngine()

	cfg := Config{MaxRetries: 0, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, BreakerKey: "dead-host"}

	// Drive the breaker open with failing calls.
	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := Do(context.Background(), e, func(context.Context) (int, error) {
			return 0, ErrOffline
		}, cfg)
		require.Error(t, err)
	}

	calls := 0
	_, err := Do(context.Background(), e, func(context.Context) (int, error) {
		calls++
		return 1, nil
	}, cfg)

	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 0, calls, "open breaker must not attempt the operation")
}

func TestDoSuccessClearsBreaker(t *testing.T) {
	e, _ := newTestEngine()

	cfg := Config{MaxRetries: 0, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second, BreakerKey: "flaky-host"}

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		_, _ = Do(context.Background(), e, func(context.Context) (int, error) {
			return 0, ErrOffline
		}, cfg)
	}

	v, err := Do(context.Background(), e, func(context.Context) (int, error) {
		return 7, nil
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// The success wiped the accumulated failures.
	for _, st := range e.Breakers().Snapshot() {
		if st.Key == "flaky-host" {
			assert.Equal(t, 0, st.Failures)
			assert.False(t, st.Open)
		}
	}
}
