// Package client composes the resilience core into an API client: requests
// carry a managed bearer token, run under the retry engine's policy, and
// fall back to cached responses when the network fails.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calebstern/offlinekit/cache"
	"github.com/calebstern/offlinekit/retry"
	"github.com/calebstern/offlinekit/token"
)

// Client calls a JSON API with the full resilience stack behind it.
type Client struct {
	baseURL *url.URL
	http    *retry.HTTPClient
	tokens  *token.Manager
	cache   *cache.Engine
	ttl     time.Duration
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenManager attaches a token manager; requests then carry its access
// token as a bearer credential.
func WithTokenManager(m *token.Manager) Option {
	return func(c *Client) { c.tokens = m }
}

// WithCache attaches a cache used both as a write-through for successful
// responses and as a fallback when a request ultimately fails.
func WithCache(e *cache.Engine, ttl time.Duration) Option {
	return func(c *Client) { c.cache, c.ttl = e, ttl }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for the API at rawBase, using the retry engine and
// policy for every request.
func New(rawBase string, engine *retry.Engine, cfg retry.Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		baseURL: u,
		http:    engine.NewHTTPClient(nil, cfg),
		ttl:     cache.DefaultTTL,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// GetJSON fetches p with query params q and decodes the response into out.
// A successful response is cached; a failure after retries falls back to
// the cached copy when one exists, so brief outages read stale instead of
// erroring.
func (c *Client) GetJSON(ctx context.Context, p string, q map[string]string, out any) error {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	qq := u.Query()
	for k, v := range q {
		qq.Set(k, v)
	}
	u.RawQuery = qq.Encode()
	cacheKey := cacheKeyFor(p, q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		if c.cache != nil {
			var raw json.RawMessage
			if c.cache.Get(ctx, cacheKey, &raw) {
				c.log.Debug().Str("path", p).Msg("client: serving cached fallback")
				return json.Unmarshal(raw, out)
			}
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, json.RawMessage(body), cache.WithTTL(c.ttl))
	}
	return nil
}

// cacheKeyFor builds a stable key from path plus sorted params.
func cacheKeyFor(p string, q map[string]string) string {
	if len(q) == 0 {
		return p
	}
	parts := make([]string, 0, len(q))
	for k, v := range q {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return p + "?" + strings.Join(parts, "&")
}
