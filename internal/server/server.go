// Package server implements the HTTP transport layer for the Shadowfax proxy.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/shadowfax/internal/app"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/history"
	"github.com/eugener/shadowfax/internal/models"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/store"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/token"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Cfg      *config.Config
	Relay    *app.Relay
	Registry *models.Registry
	Pool     *pool.Pool
	Tokens   *token.Manager
	Queue    *queue.Queue
	Cache    *cache.Cache
	History  *history.Recorder
	Store    *store.Store         // nil = no config mirroring
	Metrics  *telemetry.Metrics   // nil = metrics disabled
	PromReg  *prometheus.Registry // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, keys: auth.NewKeychain(deps.Cfg.ClientKeys())}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints, no auth.
	r.Get("/health", s.handleHealth)
	if deps.PromReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))
	}

	// Client-facing API.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/chat/completions", s.handleChatCompletion)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/responses", s.handleResponses)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleListModels)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API.
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleAddAccount)
		r.Delete("/accounts/{id}", s.handleRemoveAccount)
		r.Post("/accounts/{id}/pause", s.handlePauseAccount)
		r.Post("/accounts/{id}/resume", s.handleResumeAccount)
		r.Post("/accounts/{id}/select", s.handleSelectAccount)
		r.Post("/accounts/rotate", s.handleRotateAccounts)

		r.Get("/queue", s.handleQueueStats)
		r.Post("/queue/pause", s.handleQueuePause)
		r.Post("/queue/resume", s.handleQueueResume)
		r.Post("/queue/clear", s.handleQueueClear)

		r.Get("/cache", s.handleCacheStats)
		r.Delete("/cache", s.handleCachePurge)

		r.Get("/history", s.handleHistory)
		r.Get("/costs", s.handleCosts)

		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}", s.handleResolveApproval)
	})

	return r
}

type server struct {
	deps Deps
	keys *auth.Keychain
}
