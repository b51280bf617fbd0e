package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebstern/offlinekit/storage"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// makeJWT builds an unsigned JWT carrying only an exp claim; the manager
// never verifies signatures, so this is all a test token needs.
func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

// noSchedule is a scheduler that never fires, so tests control exactly when
// refreshes happen.
func noSchedule(time.Duration, func()) func() bool {
	return func() bool { return true }
}

// refreshServer counts refresh calls and hands out tokens expiring at exp.
func refreshServer(t *testing.T, calls *atomic.Int64, exp time.Time, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		var in struct {
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.NotEmpty(t, in.RefreshToken)

		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  makeJWT(t, exp),
			"refresh_token": "rotated-" + in.RefreshToken,
		})
	}))
}

func newTestManager(t *testing.T, url string, opts ...Option) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	base := []Option{
		WithClock(func() time.Time { return testEpoch }),
		WithScheduler(noSchedule),
		WithMinRefreshInterval(30 * time.Second),
	}
	return NewManager(store, url, append(base, opts...)...), store
}

func TestSetTokensPersistsAndInitializeRestores(t *testing.T) {
	ctx := context.Background()
	access := makeJWT(t, testEpoch.Add(time.Hour))

	m, store := newTestManager(t, "http://unused.invalid")
	require.NoError(t, m.SetTokens(ctx, access, "refresh-1"))

	// Write-through: both tokens hit durable storage.
	a, err := store.Get(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, access, string(a))
	r, err := store.Get(ctx, refreshKey)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", string(r))

	// A fresh manager over the same store restores the session.
	m2 := NewManager(store, "http://unused.invalid",
		WithClock(func() time.Time { return testEpoch }),
		WithScheduler(noSchedule))
	require.NoError(t, m2.Initialize(ctx))

	got, err := m2.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, access, got)
}

func TestAccessTokenNoSession(t *testing.T) {
	m, _ := newTestManager(t, "http://unused.invalid")
	_, err := m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestAccessTokenFreshTokenSkipsRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, testEpoch.Add(time.Hour), 0)
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(time.Hour)), "r1"))

	_, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), calls.Load(), "a token outside the buffer must not refresh")
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, testEpoch.Add(time.Hour), 0)
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	// 30s to expiry is inside the 2 minute buffer.
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(30*time.Second)), "r1"))

	got, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, makeJWT(t, testEpoch.Add(time.Hour)), got)
	assert.Equal(t, int64(1), calls.Load())
}

func TestUndecodableTokenRefreshesImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, testEpoch.Add(time.Hour), 0)
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, "not-a-jwt", "r1"))

	got, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, makeJWT(t, testEpoch.Add(time.Hour)), got)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConcurrentRefreshDeduplicated(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, testEpoch.Add(time.Hour), 50*time.Millisecond)
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(30*time.Second)), "r1"))

	want := makeJWT(t, testEpoch.Add(time.Hour))
	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.AccessToken(ctx)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must share one refresh")
	for i, got := range results {
		assert.Equal(t, want, got, "caller %d", i)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	var calls atomic.Int64
	// The refreshed token also expires inside the buffer, so every
	// AccessToken call wants another refresh.
	srv := refreshServer(t, &calls, testEpoch.Add(time.Minute), 0)
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(30*time.Second)), "r1"))

	_, err := m.AccessToken(ctx)
	require.NoError(t, err)
	_, err = m.AccessToken(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load(), "attempts inside the minimum interval must not hit the network")
}

func TestRateLimitNeverReturnsEmptyToken(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  makeJWT(t, testEpoch.Add(time.Hour)),
			"refresh_token": "r2",
		})
	}))
	defer srv.Close()

	// Only the refresh token survived in storage, so after Initialize
	// there is no access token to fall back on.
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, refreshKey, []byte("r1")))

	m := NewManager(store, srv.URL,
		WithClock(func() time.Time { return testEpoch }),
		WithScheduler(noSchedule),
		WithMinRefreshInterval(30*time.Second))
	require.NoError(t, m.Initialize(ctx))

	// The first refresh fails transiently; with no stale token to serve,
	// the error surfaces rather than an empty string.
	got, err := m.AccessToken(ctx)
	require.Error(t, err)
	assert.Empty(t, got)

	// A follow-up inside the rate-limit window has nothing to serve
	// either, so it must refresh again instead of returning "".
	got, err = m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, makeJWT(t, testEpoch.Add(time.Hour)), got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRefresh401IsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx := context.Background()
	m, store := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(30*time.Second)), "r1"))

	var notified atomic.Int64
	m.OnSessionExpired(func() { notified.Add(1) })
	m.OnSessionExpired(func() { notified.Add(1) })

	_, err := m.AccessToken(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int64(2), notified.Load(), "every listener fires once")

	// State is wiped: durable storage cleared, next call sees no session.
	_, serr := store.Get(ctx, refreshKey)
	assert.ErrorIs(t, serr, storage.ErrNotFound)
	_, err = m.AccessToken(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, int64(2), notified.Load(), "listeners must not fire again for the same transition")
}

func TestTransientRefreshFailureReturnsStaleToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	stale := makeJWT(t, testEpoch.Add(30*time.Second))
	require.NoError(t, m.SetTokens(ctx, stale, "r1"))

	var notified atomic.Int64
	m.OnSessionExpired(func() { notified.Add(1) })

	got, err := m.AccessToken(ctx)
	require.NoError(t, err, "a 5xx refresh failure is transient")
	assert.Equal(t, stale, got, "the old token comes back so the caller can still try")
	assert.Equal(t, int64(0), notified.Load())
}

func TestValidTokenRejectsExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(-time.Minute)), "r1"))

	// AccessToken degrades to the stale token; ValidToken must not.
	_, err := m.AccessToken(ctx)
	require.NoError(t, err)
	_, err = m.ValidToken(ctx)
	assert.Error(t, err)
}

func TestProactiveScheduleTiming(t *testing.T) {
	var scheduled []time.Duration
	capture := func(d time.Duration, fn func()) func() bool {
		scheduled = append(scheduled, d)
		return func() bool { return true }
	}

	ctx := context.Background()
	m, _ := newTestManager(t, "http://unused.invalid", WithScheduler(capture))

	// Expires in 10 minutes; with the 2 minute buffer the refresh must be
	// scheduled 8 minutes out, not 10.
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(10*time.Minute)), "r1"))

	require.Len(t, scheduled, 1)
	assert.Equal(t, 8*time.Minute, scheduled[0])
}

func TestScheduleFiresImmediatelyWhenPastDue(t *testing.T) {
	var scheduled []time.Duration
	capture := func(d time.Duration, fn func()) func() bool {
		scheduled = append(scheduled, d)
		return func() bool { return true }
	}

	ctx := context.Background()
	m, _ := newTestManager(t, "http://unused.invalid", WithScheduler(capture))
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(time.Minute)), "r1"))

	require.Len(t, scheduled, 1)
	assert.Equal(t, time.Duration(0), scheduled[0])
}

func TestClearTokensIsSilent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, "http://unused.invalid")
	require.NoError(t, m.SetTokens(ctx, makeJWT(t, testEpoch.Add(time.Hour)), "r1"))

	var notified atomic.Int64
	m.OnSessionExpired(func() { notified.Add(1) })

	require.NoError(t, m.ClearTokens(ctx))

	assert.Equal(t, int64(0), notified.Load(), "logout is not a session expiry")
	assert.Equal(t, 0, store.Len())
	_, err := m.AccessToken(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, "http://unused.invalid")
	access := makeJWT(t, testEpoch.Add(time.Hour))
	require.NoError(t, m.SetTokens(ctx, access, "r1"))

	tok, err := m.TokenSource(ctx).Token()
	require.NoError(t, err)
	assert.Equal(t, access, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, testEpoch.Add(time.Hour).Unix(), tok.Expiry.Unix())
}
