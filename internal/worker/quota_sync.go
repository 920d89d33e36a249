package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/pool"
)

const quotaSyncInterval = 60 * time.Second

// UsageFetcher fetches a quota snapshot for an account's session token.
type UsageFetcher interface {
	Usage(ctx context.Context, sessionToken string) (*gateway.QuotaSnapshot, error)
}

// TokenSource resolves an account's session token.
type TokenSource interface {
	SessionToken(ctx context.Context, acct gateway.Account) (string, error)
}

// QuotaSyncWorker periodically refreshes stale quota snapshots for all
// active accounts so auto-pause and rotation act on current numbers.
type QuotaSyncWorker struct {
	pool   *pool.Pool
	tokens TokenSource
	usage  UsageFetcher
	every  time.Duration
}

// NewQuotaSyncWorker creates a QuotaSyncWorker.
func NewQuotaSyncWorker(p *pool.Pool, tokens TokenSource, usage UsageFetcher) *QuotaSyncWorker {
	return &QuotaSyncWorker{pool: p, tokens: tokens, usage: usage, every: quotaSyncInterval}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run performs an initial sync, then refreshes stale snapshots until ctx is
// cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.syncStale(ctx)

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncStale(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// syncStale fetches fresh snapshots for accounts whose quota view has
// expired. Per-account failures are logged and skipped; one bad account
// must not starve the rest.
func (w *QuotaSyncWorker) syncStale(ctx context.Context) {
	for _, acct := range w.pool.StaleAccounts(time.Now()) {
		tok, err := w.tokens.SessionToken(ctx, acct)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "quota sync token failed",
				slog.String("account", acct.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		snap, err := w.usage.Usage(ctx, tok)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "quota sync fetch failed",
				slog.String("account", acct.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.pool.ApplyQuota(ctx, acct.ID, snap)
	}
}
