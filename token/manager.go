// Package token manages the access/refresh token pair for an authenticated
// session: durable persistence, proactive refresh ahead of expiry,
// deduplication of concurrent refreshes, and session-expiry notification.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/calebstern/offlinekit/storage"
)

const (
	accessKey  = "token:access"
	refreshKey = "token:refresh"

	// DefaultRefreshBuffer is how far ahead of expiry a refresh runs, so
	// no consumer ever observes an expired token.
	DefaultRefreshBuffer = 2 * time.Minute

	// DefaultMinRefreshInterval rate-limits refresh attempts when many
	// consumers ask for a token in quick succession.
	DefaultMinRefreshInterval = 30 * time.Second
)

var (
	// ErrNoSession means no token pair is held; the user must log in.
	ErrNoSession = errors.New("token: no session")

	// ErrSessionExpired means the refresh token was rejected; the
	// session is unrecoverable and the user must re-authenticate.
	ErrSessionExpired = errors.New("token: session expired")
)

// Manager holds the process-wide token state. Durable storage mirrors the
// in-memory pair write-through; memory is the source of truth while the
// process lives.
type Manager struct {
	store      storage.Store
	httpClient *http.Client
	refreshURL string

	buffer      time.Duration
	minInterval time.Duration
	log         zerolog.Logger
	now         func() time.Time
	schedule    func(d time.Duration, fn func()) func() bool

	group singleflight.Group

	mu          sync.Mutex
	access      string
	refresh     string
	expiry      time.Time // zero when undecodable: refresh immediately
	lastAttempt time.Time
	cancelTimer func() bool
	listeners   []func()
	notified    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for the refresh call.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithRefreshBuffer overrides how far before expiry a refresh is scheduled.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) { m.buffer = d }
}

// WithMinRefreshInterval overrides the rate limit between refresh attempts.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(m *Manager) { m.minInterval = d }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithScheduler injects the timer factory, for tests. The returned func
// cancels the timer.
func WithScheduler(schedule func(d time.Duration, fn func()) func() bool) Option {
	return func(m *Manager) { m.schedule = schedule }
}

// NewManager creates a Manager that refreshes against refreshURL. Call
// Initialize before first use to restore a persisted session.
func NewManager(store storage.Store, refreshURL string, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  http.DefaultClient,
		refreshURL:  refreshURL,
		buffer:      DefaultRefreshBuffer,
		minInterval: DefaultMinRefreshInterval,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	m.schedule = func(d time.Duration, fn func()) func() bool {
		t := time.AfterFunc(d, fn)
		return t.Stop
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize restores the token pair from durable storage, if present, and
// arms the proactive refresh timer. A missing pair is not an error; the
// manager simply starts with no session.
func (m *Manager) Initialize(ctx context.Context) error {
	access, aerr := m.store.Get(ctx, accessKey)
	refresh, rerr := m.store.Get(ctx, refreshKey)
	if errors.Is(rerr, storage.ErrNotFound) {
		return nil
	}
	if rerr != nil {
		return fmt.Errorf("load refresh token: %w", rerr)
	}
	if aerr != nil && !errors.Is(aerr, storage.ErrNotFound) {
		return fmt.Errorf("load access token: %w", aerr)
	}

	m.mu.Lock()
	m.access = string(access)
	m.refresh = string(refresh)
	m.expiry = decodeExpiry(m.access)
	m.notified = false
	m.scheduleLocked()
	m.mu.Unlock()
	return nil
}

// SetTokens installs a new token pair (after login, registration, or
// refresh), persists it, and arms the proactive refresh timer.
func (m *Manager) SetTokens(ctx context.Context, access, refresh string) error {
	if err := m.store.Set(ctx, accessKey, []byte(access)); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := m.store.Set(ctx, refreshKey, []byte(refresh)); err != nil {
		return fmt.Errorf("persist refresh token: %w", err)
	}

	m.mu.Lock()
	m.access = access
	m.refresh = refresh
	m.expiry = decodeExpiry(access)
	m.notified = false
	m.scheduleLocked()
	m.mu.Unlock()
	return nil
}

// ClearTokens drops the session: memory nulled, durable storage cleared,
// refresh timer cancelled. Used for explicit logout; it does not notify
// session-expiry listeners.
func (m *Manager) ClearTokens(ctx context.Context) error {
	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()
	return m.store.RemoveAll(ctx, []string{accessKey, refreshKey})
}

// HasSession reports whether a token pair is currently held.
func (m *Manager) HasSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh != ""
}

// OnSessionExpired registers fn to run when the session becomes
// unrecoverable. Each registered fn fires exactly once per expiry
// transition.
func (m *Manager) OnSessionExpired(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// AccessToken returns a usable access token, refreshing first when expiry
// is near. On a transient refresh failure the current (possibly stale)
// token is returned so the caller can still try its request; the session
// errors ErrNoSession and ErrSessionExpired are returned as-is.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	access := m.access
	refresh := m.refresh
	needs := m.needsRefreshLocked()
	m.mu.Unlock()

	if access == "" && refresh == "" {
		return "", ErrNoSession
	}
	if !needs {
		return access, nil
	}

	fresh, err := m.doRefresh(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoSession) {
			return "", err
		}
		// Transient (network, 5xx): hand back the old token; the
		// caller's request may still succeed, and the retry layer
		// picks it up if not.
		m.log.Debug().Err(err).Msg("token: transient refresh failure, returning current token")
		if access != "" {
			return access, nil
		}
		return "", err
	}
	return fresh, nil
}

// ValidToken is the strict variant of AccessToken: it returns an error
// rather than a token that is already past expiry.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	access, err := m.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	expired := !m.expiry.IsZero() && !m.now().Before(m.expiry)
	m.mu.Unlock()
	if expired {
		return "", fmt.Errorf("token: access token expired and refresh unavailable")
	}
	return access, nil
}

// doRefresh performs the network refresh, deduplicating concurrent callers
// onto a single in-flight request and rate-limiting attempts.
func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.Lock()
		refresh := m.refresh
		access := m.access
		sinceLast := m.now().Sub(m.lastAttempt)
		m.mu.Unlock()

		if refresh == "" {
			m.sessionExpired(ctx)
			return nil, ErrNoSession
		}
		if sinceLast < m.minInterval && access != "" {
			// Too soon after the previous attempt; serve what we
			// have rather than hammer the endpoint. With no token
			// at all there is nothing to serve, so refresh anyway.
			return access, nil
		}

		m.mu.Lock()
		m.lastAttempt = m.now()
		m.mu.Unlock()

		newAccess, newRefresh, err := m.requestRefresh(ctx, refresh)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				m.sessionExpired(ctx)
			}
			return nil, err
		}
		if err := m.SetTokens(ctx, newAccess, newRefresh); err != nil {
			// Persistence failed but the tokens are good; keep
			// them in memory for this process.
			m.log.Warn().Err(err).Msg("token: persisting refreshed tokens failed")
			m.mu.Lock()
			m.access = newAccess
			m.refresh = newRefresh
			m.expiry = decodeExpiry(newAccess)
			m.notified = false
			m.scheduleLocked()
			m.mu.Unlock()
		}
		return newAccess, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// requestRefresh exchanges the refresh token for a new pair. A 401 from the
// endpoint is terminal for the session; anything else is transient.
func (m *Manager) requestRefresh(ctx context.Context, refreshToken string) (access, refresh string, err error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", "", ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("refresh request: unexpected status %s", resp.Status)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", "", errors.New("refresh response missing access_token")
	}
	return out.AccessToken, out.RefreshToken, nil
}

// sessionExpired transitions to no-session and notifies listeners once.
func (m *Manager) sessionExpired(ctx context.Context) {
	m.mu.Lock()
	alreadyNotified := m.notified
	m.notified = true
	m.clearLocked()
	listeners := make([]func(), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if err := m.store.RemoveAll(ctx, []string{accessKey, refreshKey}); err != nil {
		m.log.Warn().Err(err).Msg("token: clearing stored tokens failed")
	}
	if alreadyNotified {
		return
	}
	m.log.Info().Msg("token: session expired")
	for _, fn := range listeners {
		fn()
	}
}

// clearLocked nulls the in-memory state. Callers hold m.mu and clear
// durable storage themselves.
func (m *Manager) clearLocked() {
	m.access = ""
	m.refresh = ""
	m.expiry = time.Time{}
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
}

// needsRefreshLocked reports whether the access token is missing,
// undecodable, or within the refresh buffer of expiry.
func (m *Manager) needsRefreshLocked() bool {
	if m.access == "" {
		return true
	}
	if m.expiry.IsZero() {
		return true
	}
	return m.expiry.Sub(m.now()) <= m.buffer
}

// scheduleLocked arms the proactive refresh timer for expiry minus the
// buffer (immediately when already past due). Caller holds m.mu.
func (m *Manager) scheduleLocked() {
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
	if m.refresh == "" {
		return
	}
	d := time.Duration(0)
	if !m.expiry.IsZero() {
		if until := m.expiry.Sub(m.now()) - m.buffer; until > 0 {
			d = until
		}
	}
	m.cancelTimer = m.schedule(d, func() {
		// Timer fires on its own goroutine with no caller context.
		if _, err := m.doRefresh(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("token: scheduled refresh failed")
		}
	})
}

// decodeExpiry extracts the exp claim from the access token without
// verifying the signature; validity is the server's concern. Returns the
// zero time when the token cannot be decoded, which the manager treats as
// "refresh immediately".
func decodeExpiry(accessToken string) time.Time {
	if accessToken == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
