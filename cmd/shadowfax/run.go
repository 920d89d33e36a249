package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/history"
	"github.com/eugener/shadowfax/internal/models"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/server"
	"github.com/eugener/shadowfax/internal/store"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/token"
	"github.com/eugener/shadowfax/internal/translate"
	"github.com/eugener/shadowfax/internal/upstream"
	"github.com/eugener/shadowfax/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting shadowfax", "version", version, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	// Account pool, seeded from persisted state plus config entries.
	st := store.New(config.Dir(), cfg)
	state := st.Load()
	state.Enabled = cfg.Pool.Enabled
	if cfg.Pool.Strategy != "" {
		state.Strategy = cfg.Pool.Strategy
	}
	seedAccounts(state, cfg.Accounts)

	p := pool.New(state, pool.Options{
		Strategy:            cfg.Pool.Strategy,
		AutoRotate:          cfg.Pool.AutoRotate,
		AutoRotateThreshold: cfg.Pool.AutoRotateThreshold,
		AutoRotateCooldown:  cfg.Pool.AutoRotateCooldown,
		ErrorThreshold:      cfg.Pool.ErrorThreshold,
	}, st, logNotifier{})

	// Upstream client and token exchange.
	client := upstream.New(cfg.Upstream.APIBase, cfg.Upstream.AuthBase, cfg.Upstream.APIVersion,
		upstream.DefaultTimeouts(), nil)
	tokens := token.NewManager(p, client)
	client.SetTokenSource(func(ctx context.Context) (string, error) {
		_, tok, err := tokens.Acquire(ctx)
		return tok, err
	})

	registry := models.NewRegistry(client)

	// Request plumbing.
	gate := ratelimit.New(cfg.RateLimit.Interval, cfg.RateLimit.Wait)
	q := queue.New(cfg.Queue.Enabled, cfg.Queue.MaxConcurrent, cfg.Queue.MaxSize, cfg.Queue.Timeout)
	c := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, config.Dir())
	rec := history.New(config.Dir(), defaultCost)

	ids, err := translate.NewIDMapper()
	if err != nil {
		return fmt.Errorf("id mapper: %w", err)
	}

	var (
		metrics *telemetry.Metrics
		promReg *prometheus.Registry
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
	}

	relay := app.NewRelay(cfg, gate, q, c, p, tokens, registry, client, rec, ids, metrics)
	p.SetIdentityHook(relay.ResetSession)

	handler := server.New(server.Deps{
		Cfg:      cfg,
		Relay:    relay,
		Registry: registry,
		Pool:     p,
		Tokens:   tokens,
		Queue:    q,
		Cache:    c,
		History:  rec,
		Store:    st,
		Metrics:  metrics,
		PromReg:  promReg,
	})

	// Background workers.
	runner := worker.NewRunner(
		rec,
		worker.NewQuotaSyncWorker(p, tokens, client),
		worker.NewCachePersistWorker(c),
		worker.NewMonthlyResetWorker(p),
		worker.NewTokenRefreshWorker(tokens),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	slog.Info("shadowfax ready", "addr", srv.Addr, "accounts", p.Len())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-srvErr:
		stop()
		<-workerErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers observe ctx cancellation and flush on the way out.
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("shadowfax stopped")
	return nil
}

// logNotifier surfaces pool events in the process log. Richer transports
// (webhooks, dashboards) would implement gateway.Notifier instead.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, ev gateway.Event) {
	slog.LogAttrs(ctx, slog.LevelInfo, "pool event",
		slog.String("kind", string(ev.Kind)),
		slog.String("account", ev.Account),
		slog.String("detail", ev.Detail),
	)
}

// seedAccounts merges config-declared credentials into the persisted pool
// state. The account id is derived from the credential so re-seeding across
// restarts stays idempotent.
func seedAccounts(state *gateway.PoolState, entries []config.AccountEntry) {
	for _, entry := range entries {
		if entry.Token == "" {
			continue
		}
		id := accountID(entry.Token)
		found := false
		for i := range state.Accounts {
			if state.Accounts[i].ID == id {
				found = true
				break
			}
		}
		if found {
			continue
		}
		label := entry.Label
		if label == "" {
			label = id
		}
		state.Accounts = append(state.Accounts, gateway.Account{
			ID:         id,
			Label:      label,
			Credential: entry.Token,
			Active:     true,
		})
	}
}

func accountID(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:6])
}

// modelRates holds per-million-token USD rates, most specific prefix first.
var modelRates = []struct {
	prefix string
	in     float64
	out    float64
}{
	{"gpt-5", 1.25, 10},
	{"gpt-4.1", 2, 8},
	{"gpt-4o", 2.5, 10},
	{"o4-mini", 1.1, 4.4},
	{"o3", 2, 8},
	{"claude-opus", 15, 75},
	{"claude-sonnet", 3, 15},
	{"claude-haiku", 0.8, 4},
	{"gemini-2.5-pro", 1.25, 10},
	{"gemini", 0.3, 2.5},
}

// defaultCost estimates the dollar cost of a request from public list
// prices. Unknown models cost zero.
func defaultCost(model string, inputTokens, outputTokens int) float64 {
	for _, r := range modelRates {
		if len(model) >= len(r.prefix) && model[:len(r.prefix)] == r.prefix {
			return (float64(inputTokens)*r.in + float64(outputTokens)*r.out) / 1e6
		}
	}
	return 0
}
