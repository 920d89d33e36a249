// Package token exchanges long-lived credentials for short-lived session
// tokens and keeps them fresh ahead of expiry. Each account gets an
// oauth2.TokenSource wrapped in ReuseTokenSourceWithExpiry, which gives us
// the 60-second early-refresh margin and compare-and-set semantics: a token
// already refreshed by a concurrent caller is reused instead of exchanged
// again.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/pool"
)

// expiryMargin is the safety window before expiry at which a session token
// is considered expired and refreshed.
const expiryMargin = 60 * time.Second

// exchangeTimeout bounds a single token-exchange call.
const exchangeTimeout = 10 * time.Second

// Exchanger calls the upstream token-exchange endpoint. Implemented by the
// upstream client.
type Exchanger interface {
	ExchangeToken(ctx context.Context, credential string) (*oauth2.Token, error)
}

// Manager produces fresh session tokens for pool accounts.
type Manager struct {
	mu        sync.Mutex
	sources   map[string]oauth2.TokenSource // account id -> reuse source
	exchanger Exchanger
	pool      *pool.Pool
}

// NewManager creates a Manager over the given pool and exchanger.
func NewManager(p *pool.Pool, ex Exchanger) *Manager {
	return &Manager{
		sources:   make(map[string]oauth2.TokenSource),
		exchanger: ex,
		pool:      p,
	}
}

// credSource performs the actual exchange for one account. Failures
// deactivate the account so the pool can move on; successes are written
// back onto the pool's copy.
type credSource struct {
	id         string
	credential string
	exchanger  Exchanger
	pool       *pool.Pool
}

func (s *credSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	tok, err := s.exchanger.ExchangeToken(ctx, s.credential)
	if err != nil {
		s.pool.Deactivate(s.id)
		return nil, fmt.Errorf("token exchange for %s: %w", s.id, err)
	}
	s.pool.UpdateSession(s.id, tok.AccessToken, tok.Expiry)
	return tok, nil
}

// SessionToken returns a valid session token for the account, exchanging
// the credential only when the stored token is within the expiry margin.
func (m *Manager) SessionToken(ctx context.Context, acct gateway.Account) (string, error) {
	src := m.source(acct)
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	// Respect caller cancellation even though oauth2.TokenSource has no ctx.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (m *Manager) source(acct gateway.Account) oauth2.TokenSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[acct.ID]; ok {
		return src
	}
	base := &credSource{
		id:         acct.ID,
		credential: acct.Credential,
		exchanger:  m.exchanger,
		pool:       m.pool,
	}
	// Seed with the persisted session token so a restart does not force an
	// immediate exchange.
	var seed *oauth2.Token
	if acct.SessionToken != "" && !acct.SessionExpiresAt.IsZero() {
		seed = &oauth2.Token{AccessToken: acct.SessionToken, Expiry: acct.SessionExpiresAt}
	}
	src := oauth2.ReuseTokenSourceWithExpiry(seed, base, expiryMargin)
	m.sources[acct.ID] = src
	return src
}

// Forget drops the cached source for an account (after removal or
// credential replacement).
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

// RefreshAll proactively refreshes session tokens for every active
// account. Failures deactivate the affected account and are logged by the
// caller; the walk continues.
func (m *Manager) RefreshAll(ctx context.Context) error {
	for _, acct := range m.pool.List() {
		if !acct.Active {
			continue
		}
		if _, err := m.SessionToken(ctx, acct); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Acquire selects an account and produces a session token for it, walking
// the pool when an account's exchange fails (the failed account is
// deactivated by credSource). Attempts are bounded by pool size + 1 and by
// a tried-set, so a pool where every exchange fails terminates.
func (m *Manager) Acquire(ctx context.Context) (gateway.Account, string, error) {
	tried := make(map[string]struct{})
	maxAttempts := m.pool.Len() + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		acct, ok := m.pool.Select()
		if !ok {
			return gateway.Account{}, "", gateway.ErrNoAccounts
		}
		if _, seen := tried[acct.ID]; seen {
			return gateway.Account{}, "", gateway.ErrNoAccounts
		}
		tried[acct.ID] = struct{}{}

		tok, err := m.SessionToken(ctx, acct)
		if err == nil {
			return acct, tok, nil
		}
		if ctx.Err() != nil {
			return gateway.Account{}, "", ctx.Err()
		}
	}
	return gateway.Account{}, "", gateway.ErrNoAccounts
}
