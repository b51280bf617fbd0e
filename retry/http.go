package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient wraps an *http.Client so every request runs under the engine's
// retry policy. Non-2xx responses surface as *StatusError, which lets the
// configured RetryOnStatus set drive re-attempts. The breaker key defaults
// to the request's host, so all calls to one backend share a breaker.
type HTTPClient struct {
	engine *Engine
	base   *http.Client
	cfg    Config
}

// NewHTTPClient builds a retrying client over base (http.DefaultClient when
// nil) with the given policy.
func (e *Engine) NewHTTPClient(base *http.Client, cfg Config) *HTTPClient {
	if base == nil {
		base = http.DefaultClient
	}
	return &HTTPClient{engine: e, base: base, cfg: cfg}
}

// Do executes req with retries. Requests with a body must set GetBody (as
// http.NewRequest does for common body types) so the body can be replayed
// on re-attempts. The caller owns the returned response body.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cfg := c.cfg
	if cfg.BreakerKey == "" {
		cfg.BreakerKey = req.URL.Host
	}
	if req.Body != nil && req.GetBody == nil && cfg.MaxRetries > 0 {
		return nil, fmt.Errorf("retry: request body is not replayable, set GetBody")
	}

	return Do(ctx, c.engine, func(ctx context.Context) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt.Body = body
		}

		resp, err := c.base.Do(attempt)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(body),
			}
		}
		return resp, nil
	}, cfg)
}

// GetJSON fetches url and decodes the response body into out.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
