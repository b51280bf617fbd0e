package token

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts a Manager to oauth2.TokenSource so the managed token
// feeds standard transports (oauth2.NewClient and friends).
type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource returns an oauth2.TokenSource view of the manager. The
// context is used for refresh calls triggered by Token.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	access, err := ts.m.AccessToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	ts.m.mu.Lock()
	expiry := ts.m.expiry
	ts.m.mu.Unlock()
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
