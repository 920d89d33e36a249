// Package app wires the request pipeline: rate limiting, translation,
// credential selection, caching, queueing, dispatch with retry and model
// fallback, and history recording.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/circuitbreaker"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/history"
	"github.com/eugener/shadowfax/internal/models"
	"github.com/eugener/shadowfax/internal/pool"
	"github.com/eugener/shadowfax/internal/queue"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/retry"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/token"
	"github.com/eugener/shadowfax/internal/translate"
	"github.com/eugener/shadowfax/internal/upstream"
)

// Upstream is the backend surface the relay dispatches against.
type Upstream interface {
	ChatCompletion(ctx context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
	Responses(ctx context.Context, meta upstream.DispatchMeta, req any, model string) ([]byte, error)
	ResponsesStream(ctx context.Context, meta upstream.DispatchMeta, req any, model string) (<-chan gateway.StreamChunk, error)
	Embeddings(ctx context.Context, meta upstream.DispatchMeta, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error)
}

// Options carry per-call routing hints from the HTTP layer.
type Options struct {
	Type     queue.RequestType
	Priority int
}

// Result is the outcome of a relayed request: exactly one of Response,
// Stream, or Raw is set.
type Result struct {
	Response *gateway.ChatResponse
	Stream   <-chan gateway.StreamChunk
	Raw      json.RawMessage // native-dialect passthrough body
	Cached   bool
	Model    string // model actually dispatched, after any fallback
}

// Relay is the per-request orchestrator.
type Relay struct {
	cfg       *config.Config
	gate      *ratelimit.Gate
	queue     *queue.Queue
	cache     *cache.Cache
	pool      *pool.Pool
	tokens    *token.Manager
	registry  *models.Registry
	upstream  Upstream
	history   *history.Recorder
	ids       *translate.IDMapper
	metrics   *telemetry.Metrics
	approvals *Approvals
	breakers  *circuitbreaker.Registry
	policy    retry.Policy

	sessionMu sync.Mutex
	sessionID string

	now func() time.Time
}

// NewRelay assembles the orchestrator. metrics may be nil when disabled.
func NewRelay(
	cfg *config.Config,
	gate *ratelimit.Gate,
	q *queue.Queue,
	c *cache.Cache,
	p *pool.Pool,
	tokens *token.Manager,
	registry *models.Registry,
	up Upstream,
	rec *history.Recorder,
	ids *translate.IDMapper,
	metrics *telemetry.Metrics,
) *Relay {
	return &Relay{
		cfg:       cfg,
		gate:      gate,
		queue:     q,
		cache:     c,
		pool:      p,
		tokens:    tokens,
		registry:  registry,
		upstream:  up,
		history:   rec,
		ids:       ids,
		metrics:   metrics,
		approvals: NewApprovals(),
		breakers:  circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		policy:    retry.DefaultPolicy(),
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Approvals exposes the manual-approve gate for the admin API.
func (s *Relay) Approvals() *Approvals { return s.approvals }

// ResetSession rotates the outbound Session-Id. Registered as the pool's
// identity hook so a newly selected account never inherits the previous
// account's session identity.
func (s *Relay) ResetSession(gateway.Account) {
	s.sessionMu.Lock()
	s.sessionID = uuid.NewString()
	s.sessionMu.Unlock()
}

func (s *Relay) session() string {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID
}

// Chat relays a normalized chat request. The caller has already parsed the
// client dialect into the canonical form.
func (s *Relay) Chat(ctx context.Context, req *gateway.ChatRequest, opts Options) (*Result, error) {
	start := s.now()

	if err := s.gate.Acquire(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.RateLimitRejects.WithLabelValues(string(opts.Type)).Inc()
		}
		return nil, err
	}

	s.prepare(ctx, req)

	model, known := s.registry.Get(ctx, req.Model)
	useBridge := known && model.RequiresResponses()

	acct, sessionToken, err := s.tokens.Acquire(ctx)
	if err != nil {
		s.record(req, opts, "", start, 0, nil, err)
		return nil, err
	}

	estimate := translate.EstimateTokens(req.Messages)

	var cacheKey string
	if s.cacheable(req) {
		cacheKey = cache.Fingerprint(acct.ID, req)
		if entry, ok := s.cache.Get(cacheKey); ok {
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			var resp gateway.ChatResponse
			if err := json.Unmarshal(entry.Response, &resp); err == nil {
				s.history.Record(gateway.HistoryEntry{
					Type: string(opts.Type), Model: req.Model, Account: acct.Label,
					Status:      gateway.HistoryCached,
					InputTokens: entry.InputTokens, OutputTokens: entry.OutputTokens,
					DurationMs: s.now().Sub(start).Milliseconds(),
				})
				return &Result{Response: &resp, Cached: true, Model: req.Model}, nil
			}
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.Inc()
		}
	}

	if s.cfg.ManualApprove && !req.Stream {
		if err := s.approvals.Wait(ctx, req.Model, summarize(req)); err != nil {
			s.record(req, opts, acct.Label, start, estimate, nil, err)
			return nil, err
		}
	}

	if !req.Stream {
		slot, err := s.queue.Acquire(ctx, opts.Type, opts.Priority)
		if err != nil {
			s.record(req, opts, acct.Label, start, estimate, nil, err)
			return nil, err
		}
		defer s.queue.Release(slot)
	}

	meta := upstream.DispatchMeta{
		SessionToken: sessionToken,
		SessionID:    s.session(),
		Initiator:    upstream.Initiator(req.Messages),
		Vision:       upstream.HasVision(req.Messages),
	}

	if req.Stream {
		return s.relayStream(ctx, meta, req, opts, acct.Label, start, useBridge)
	}
	return s.relayOnce(ctx, meta, req, opts, acct.Label, start, estimate, cacheKey, useBridge)
}

// RawResponses relays an upstream-native responses request without dialect
// translation. The payload passes through untouched; only orchestration
// (gate, credential, queue, retry) applies.
func (s *Relay) RawResponses(ctx context.Context, payload json.RawMessage, model string, stream bool, opts Options) (*Result, error) {
	start := s.now()

	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	acct, sessionToken, err := s.tokens.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !stream {
		slot, err := s.queue.Acquire(ctx, opts.Type, opts.Priority)
		if err != nil {
			return nil, err
		}
		defer s.queue.Release(slot)
	}
	meta := upstream.DispatchMeta{SessionToken: sessionToken, SessionID: s.session(), Initiator: "user"}

	br := s.breakers.GetOrCreate("/responses")
	if !br.Allow() {
		return nil, fmt.Errorf("/responses circuit open: %w", gateway.ErrOverloaded)
	}

	entry := gateway.HistoryEntry{Type: string(opts.Type), Model: model, Account: acct.Label, Stream: stream}

	if stream {
		ch, err := s.upstream.ResponsesStream(ctx, meta, payload, model)
		s.observeBreaker(br, err)
		if err != nil {
			s.reportUpstreamError(ctx, err)
			entry.Status = gateway.HistoryError
			entry.Error = err.Error()
			entry.DurationMs = s.now().Sub(start).Milliseconds()
			s.history.Record(entry)
			return nil, err
		}
		return &Result{Stream: ch, Model: model}, nil
	}

	body, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		return s.upstream.Responses(ctx, meta, payload, model)
	})
	s.observeBreaker(br, err)
	entry.DurationMs = s.now().Sub(start).Milliseconds()
	if err != nil {
		s.reportUpstreamError(ctx, err)
		entry.Status = gateway.HistoryError
		entry.Error = err.Error()
		s.history.Record(entry)
		return nil, err
	}
	entry.Status = gateway.HistorySuccess
	s.history.Record(entry)
	return &Result{Raw: body, Model: model}, nil
}

// Embeddings relays an embedding request through the gate, pool, and retry
// wrapper. Embeddings are never cached or queued.
func (s *Relay) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	start := s.now()

	if err := s.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	acct, sessionToken, err := s.tokens.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	meta := upstream.DispatchMeta{SessionToken: sessionToken, SessionID: s.session(), Initiator: "user"}

	br := s.breakers.GetOrCreate("/embeddings")
	if !br.Allow() {
		return nil, fmt.Errorf("/embeddings circuit open: %w", gateway.ErrOverloaded)
	}

	resp, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*gateway.EmbeddingResponse, error) {
		return s.upstream.Embeddings(ctx, meta, req)
	})
	s.observeBreaker(br, err)
	entry := gateway.HistoryEntry{
		Type: string(queue.TypeEmbedding), Model: req.Model, Account: acct.Label,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		s.reportUpstreamError(ctx, err)
		entry.Status = gateway.HistoryError
		entry.Error = err.Error()
		s.history.Record(entry)
		return nil, err
	}
	entry.Status = gateway.HistorySuccess
	if resp.Usage != nil {
		entry.InputTokens = resp.Usage.PromptTokens
	}
	s.history.Record(entry)
	return resp, nil
}

// relayOnce runs the non-streaming dispatch path: retry, single-shot model
// fallback, response normalization, caching, and history.
func (s *Relay) relayOnce(ctx context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest, opts Options, account string, start time.Time, estimate int, cacheKey string, useBridge bool) (*Result, error) {
	resp, err := s.dispatchWithRetry(ctx, meta, req, useBridge)
	finalModel := req.Model

	if err != nil {
		if fb, ok := s.fallbackModel(ctx, req.Model, useBridge, err); ok {
			slog.Info("model fallback", "from", req.Model, "to", fb)
			fbReq := *req
			fbReq.Model = fb
			resp, err = s.dispatchWithRetry(ctx, meta, &fbReq, useBridge)
			if err == nil {
				finalModel = fb
			}
		}
	}

	if err != nil {
		s.reportUpstreamError(ctx, err)
		s.record(req, opts, account, start, estimate, nil, err)
		return nil, err
	}

	s.ids.NormalizeResponse(resp)

	if cacheKey != "" && cache.Cacheable(req, resp) {
		entry := &cache.Entry{Model: finalModel}
		if data, merr := json.Marshal(resp); merr == nil {
			entry.Response = data
			if resp.Usage != nil {
				entry.InputTokens = resp.Usage.PromptTokens
				entry.OutputTokens = resp.Usage.CompletionTokens
			}
			s.cache.Set(cacheKey, entry)
		}
	}

	s.record(req, opts, account, start, estimate, resp.Usage, nil)
	if s.metrics != nil && resp.Usage != nil {
		s.metrics.TokensProcessed.WithLabelValues(finalModel, "input").Add(float64(resp.Usage.PromptTokens))
		s.metrics.TokensProcessed.WithLabelValues(finalModel, "output").Add(float64(resp.Usage.CompletionTokens))
	}
	return &Result{Response: resp, Model: finalModel}, nil
}

// relayStream opens the upstream stream and wraps it so completion, usage,
// and cancellation are observed for history.
func (s *Relay) relayStream(ctx context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest, opts Options, account string, start time.Time, useBridge bool) (*Result, error) {
	endpoint := "/chat/completions"
	if useBridge {
		endpoint = "/responses"
	}
	br := s.breakers.GetOrCreate(endpoint)
	if !br.Allow() {
		err := fmt.Errorf("%s circuit open: %w", endpoint, gateway.ErrOverloaded)
		s.record(req, opts, account, start, 0, nil, err)
		return nil, err
	}

	var (
		ch  <-chan gateway.StreamChunk
		err error
	)
	if useBridge {
		ch, err = s.upstream.ResponsesStream(ctx, meta, translate.ToResponsesRequest(req), req.Model)
	} else {
		ch, err = s.upstream.ChatCompletionStream(ctx, meta, req)
	}
	if err != nil {
		if fb, ok := s.fallbackModel(ctx, req.Model, useBridge, err); ok {
			slog.Info("model fallback", "from", req.Model, "to", fb)
			fbReq := *req
			fbReq.Model = fb
			if useBridge {
				ch, err = s.upstream.ResponsesStream(ctx, meta, translate.ToResponsesRequest(&fbReq), fb)
			} else {
				ch, err = s.upstream.ChatCompletionStream(ctx, meta, &fbReq)
			}
		}
	}
	s.observeBreaker(br, err)
	if err != nil {
		s.reportUpstreamError(ctx, err)
		s.record(req, opts, account, start, 0, nil, err)
		return nil, err
	}

	out := make(chan gateway.StreamChunk, 8)
	go func() {
		defer close(out)
		var usage *gateway.Usage
		var streamErr error
		for c := range ch {
			if c.Usage != nil {
				usage = c.Usage
			}
			if c.Err != nil {
				streamErr = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				streamErr = ctx.Err()
				s.record(req, opts, account, start, 0, usage, streamErr)
				return
			}
		}
		s.record(req, opts, account, start, 0, usage, streamErr)
	}()

	return &Result{Stream: out, Model: req.Model}, nil
}

// dispatchWithRetry performs one logical dispatch through the breaker and
// retry wrapper, bridging to the responses dialect when the model demands it.
func (s *Relay) dispatchWithRetry(ctx context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest, useBridge bool) (*gateway.ChatResponse, error) {
	endpoint := "/chat/completions"
	if useBridge {
		endpoint = "/responses"
	}
	br := s.breakers.GetOrCreate(endpoint)
	if !br.Allow() {
		return nil, fmt.Errorf("%s circuit open: %w", endpoint, gateway.ErrOverloaded)
	}

	began := s.now()
	resp, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*gateway.ChatResponse, error) {
		if useBridge {
			body, err := s.upstream.Responses(ctx, meta, translate.ToResponsesRequest(req), req.Model)
			if err != nil {
				return nil, err
			}
			return translate.FromResponsesOutput(body), nil
		}
		return s.upstream.ChatCompletion(ctx, meta, req)
	})
	s.observeBreaker(br, err)
	if s.metrics != nil {
		s.metrics.UpstreamDuration.WithLabelValues(endpoint, req.Model).Observe(s.now().Sub(began).Seconds())
		if err != nil {
			var apiErr *upstream.APIError
			status := "network"
			if errors.As(err, &apiErr) {
				status = fmt.Sprintf("%d", apiErr.StatusCode)
			}
			s.metrics.UpstreamErrors.WithLabelValues(endpoint, status).Inc()
		}
	}
	return resp, err
}

// observeBreaker feeds a dispatch outcome to the endpoint breaker. Quota
// exhaustion is an account condition, not upstream health, and never trips
// the circuit.
func (s *Relay) observeBreaker(br *circuitbreaker.Breaker, err error) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.IsQuota() {
		br.RecordSuccess()
		return
	}
	if w := circuitbreaker.ClassifyError(err); w > 0 {
		br.RecordError(w)
		return
	}
	br.RecordSuccess()
}

// fallbackModel picks a substitute model after retries are exhausted. A
// model-not-supported error consults the registry rubric; a capacity error
// consults the user's configured fallback chain. Single-shot either way.
func (s *Relay) fallbackModel(ctx context.Context, model string, useBridge bool, err error) (string, bool) {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	if apiErr.IsModelNotSupported() {
		endpoint := "/chat/completions"
		if useBridge {
			endpoint = "/responses"
		}
		return s.registry.FindFallback(ctx, model, endpoint)
	}
	if !s.cfg.Fallback.Enabled || apiErr.IsQuota() {
		return "", false
	}
	switch apiErr.StatusCode {
	case 429, 500, 502, 503, 504:
		for _, candidate := range s.cfg.Fallback.Models[model] {
			if _, ok := s.registry.Get(ctx, candidate); ok {
				return candidate, true
			}
		}
	}
	return "", false
}

// prepare applies the outbound translation passes that depend on the full
// conversation: tool sanitization, tool-id denormalization and relinking,
// context truncation per model limits, and the tool-loop guard.
func (s *Relay) prepare(ctx context.Context, req *gateway.ChatRequest) {
	translate.SanitizeRequest(req)
	req.Messages = s.ids.DenormalizeMessages(req.Messages)

	if model, ok := s.registry.Get(ctx, req.Model); ok {
		declaredOut := model.MaxOutputTokens
		if req.MaxTokens != nil {
			declaredOut = *req.MaxTokens
		}
		budget := translate.ResolveBudget(model.MaxPromptTokens, model.MaxContextWindow, declaredOut)
		req.Messages = translate.TruncateMessages(req.Messages, budget)
	}

	if n := s.cfg.ToolLoopGuard; n > 0 {
		if run := trailingToolRun(req.Messages); run > n {
			slog.Warn("tool loop guard tripped", "model", req.Model, "run", run, "threshold", n)
		}
	}
}

// trailingToolRun counts consecutive assistant-with-tool-calls turns at the
// end of the conversation.
func trailingToolRun(msgs []gateway.Message) int {
	run := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		switch {
		case msgs[i].Role == "tool":
			continue
		case msgs[i].Role == "assistant" && len(msgs[i].ToolCalls) > 0:
			run++
		default:
			return run
		}
	}
	return run
}

// cacheable gates cache participation: non-streaming, tool-free requests
// with the cache enabled.
func (s *Relay) cacheable(req *gateway.ChatRequest) bool {
	return s.cfg.Cache.Enabled && !req.Stream && len(req.Tools) == 0
}

// record writes one history entry for a finished (or failed) request.
func (s *Relay) record(req *gateway.ChatRequest, opts Options, account string, start time.Time, estimate int, usage *gateway.Usage, err error) {
	e := gateway.HistoryEntry{
		Type:        string(opts.Type),
		Model:       req.Model,
		Account:     account,
		Stream:      req.Stream,
		InputTokens: estimate,
		DurationMs:  s.now().Sub(start).Milliseconds(),
	}
	if usage != nil {
		e.InputTokens = usage.PromptTokens
		e.OutputTokens = usage.CompletionTokens
	}
	switch {
	case err == nil:
		e.Status = gateway.HistorySuccess
	case errors.Is(err, context.Canceled):
		e.Status = gateway.HistoryCancelled
	default:
		e.Status = gateway.HistoryError
		e.Error = err.Error()
	}
	s.history.Record(e)
}

// reportUpstreamError feeds pool bookkeeping so rotation and rate-limit
// backoff see every terminal dispatch failure. Client cancellations are not
// account failures.
func (s *Relay) reportUpstreamError(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		s.pool.ReportError(ctx, gateway.ErrorKindOther, time.Time{})
		return
	}
	var resetAt time.Time
	if d := apiErr.RetryAfter(); d > 0 {
		resetAt = s.now().Add(d)
	}
	s.pool.ReportError(ctx, apiErr.Kind(), resetAt)
}

// summarize renders a short operator-facing description of the request.
func summarize(req *gateway.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			text := req.Messages[i].Content.AsString()
			if len(text) > 120 {
				text = text[:120] + "…"
			}
			return text
		}
	}
	return fmt.Sprintf("%d messages", len(req.Messages))
}
