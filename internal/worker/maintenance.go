package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/token"
)

const (
	cachePersistInterval = 60 * time.Second
	monthlyResetInterval = time.Hour
	tokenRefreshInterval = 10 * time.Minute
)

// CachePersistWorker flushes the response cache to disk on an interval and
// once more on shutdown.
type CachePersistWorker struct {
	cache *cache.Cache
}

// NewCachePersistWorker creates a CachePersistWorker.
func NewCachePersistWorker(c *cache.Cache) *CachePersistWorker {
	return &CachePersistWorker{cache: c}
}

// Name returns the worker identifier.
func (w *CachePersistWorker) Name() string { return "cache_persist" }

// Run flushes periodically until ctx is cancelled, then flushes a final time.
func (w *CachePersistWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(cachePersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.cache.Persist()
		case <-ctx.Done():
			w.cache.Persist()
			return nil
		}
	}
}

// MonthlyResetWorker re-activates quota-paused accounts when the billing
// month rolls over.
type MonthlyResetWorker struct {
	pool *pool.Pool
}

// NewMonthlyResetWorker creates a MonthlyResetWorker.
func NewMonthlyResetWorker(p *pool.Pool) *MonthlyResetWorker {
	return &MonthlyResetWorker{pool: p}
}

// Name returns the worker identifier.
func (w *MonthlyResetWorker) Name() string { return "monthly_reset" }

// Run checks on startup and hourly until ctx is cancelled.
func (w *MonthlyResetWorker) Run(ctx context.Context) error {
	if w.pool.CheckMonthlyReset(time.Now()) {
		slog.Info("monthly quota reset applied")
	}

	ticker := time.NewTicker(monthlyResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.pool.CheckMonthlyReset(time.Now()) {
				slog.Info("monthly quota reset applied")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// TokenRefreshWorker proactively refreshes session tokens nearing expiry so
// request latency never absorbs a token exchange.
type TokenRefreshWorker struct {
	tokens *token.Manager
}

// NewTokenRefreshWorker creates a TokenRefreshWorker.
func NewTokenRefreshWorker(m *token.Manager) *TokenRefreshWorker {
	return &TokenRefreshWorker{tokens: m}
}

// Name returns the worker identifier.
func (w *TokenRefreshWorker) Name() string { return "token_refresh" }

// Run refreshes on an interval until ctx is cancelled.
func (w *TokenRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(tokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.tokens.RefreshAll(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "token refresh failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
