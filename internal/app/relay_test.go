package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

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
	"github.com/eugener/shadowfax/internal/token"
	"github.com/eugener/shadowfax/internal/translate"
	"github.com/eugener/shadowfax/internal/upstream"
)

type fakeExchanger struct{}

func (fakeExchanger) ExchangeToken(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "sess-1", Expiry: time.Now().Add(time.Hour)}, nil
}

type fakeFetcher struct{ list []models.Model }

func (f *fakeFetcher) ListModels(context.Context) ([]models.Model, error) { return f.list, nil }

type fakeUpstream struct {
	mu         sync.Mutex
	chatModels []string
	metas      []upstream.DispatchMeta
	chatFn     func(model string) (*gateway.ChatResponse, error)
	streamFn   func() (<-chan gateway.StreamChunk, error)
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, meta upstream.DispatchMeta, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.mu.Lock()
	f.chatModels = append(f.chatModels, req.Model)
	f.metas = append(f.metas, meta)
	f.mu.Unlock()
	return f.chatFn(req.Model)
}

func (f *fakeUpstream) ChatCompletionStream(context.Context, upstream.DispatchMeta, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return f.streamFn()
}

func (f *fakeUpstream) Responses(context.Context, upstream.DispatchMeta, any, string) ([]byte, error) {
	return nil, errors.New("unexpected responses call")
}

func (f *fakeUpstream) ResponsesStream(context.Context, upstream.DispatchMeta, any, string) (<-chan gateway.StreamChunk, error) {
	return nil, errors.New("unexpected responses call")
}

func (f *fakeUpstream) Embeddings(context.Context, upstream.DispatchMeta, *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return &gateway.EmbeddingResponse{Object: "list"}, nil
}

func (f *fakeUpstream) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chatModels...)
}

func (f *fakeUpstream) dispatchMetas() []upstream.DispatchMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.DispatchMeta(nil), f.metas...)
}

func okResponse(model string) *gateway.ChatResponse {
	return &gateway.ChatResponse{
		ID:    "cmpl-1",
		Model: model,
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: gateway.TextContent("hi")},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func newTestRelay(t *testing.T, up Upstream, mutate func(*config.Config)) *Relay {
	t.Helper()

	cfg := config.Default()
	cfg.RateLimit.Interval = 0
	if mutate != nil {
		mutate(cfg)
	}

	state := &gateway.PoolState{Enabled: true, Accounts: []gateway.Account{
		{ID: "a1", Label: "primary", Credential: "cred", Active: true},
	}}
	p := pool.New(state, pool.Options{}, nil, nil)
	tokens := token.NewManager(p, fakeExchanger{})

	reg := models.NewRegistry(&fakeFetcher{list: []models.Model{
		{ID: "gpt-5.1", MaxContextWindow: 100000},
		{ID: "gpt-5.2", MaxContextWindow: 100000},
		{ID: "claude-sonnet-4.5", MaxContextWindow: 100000},
	}})

	ids, err := translate.NewIDMapper()
	if err != nil {
		t.Fatalf("NewIDMapper: %v", err)
	}

	r := NewRelay(
		cfg,
		ratelimit.New(cfg.RateLimit.Interval, cfg.RateLimit.Wait),
		queue.New(cfg.Queue.Enabled, cfg.Queue.MaxConcurrent, cfg.Queue.MaxSize, cfg.Queue.Timeout),
		cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, t.TempDir()),
		p,
		tokens,
		reg,
		up,
		history.New(t.TempDir(), nil),
		ids,
		nil,
	)
	r.policy = retry.Policy{MaxTries: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	return r
}

func chatRequest(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model: model,
		Messages: []gateway.Message{
			{Role: "user", Content: gateway.TextContent("2+2")},
		},
	}
}

func TestChatSuccessAndCache(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, nil)

	res, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Cached || res.Response == nil || res.Response.ID != "cmpl-1" {
		t.Errorf("first result = %+v", res)
	}

	res2, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if !res2.Cached {
		t.Error("second identical call should hit the cache")
	}
	if got := up.calls(); len(got) != 1 {
		t.Errorf("upstream calls = %v", got)
	}
}

func TestChatRegistryFallbackOnModelNotSupported(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		if model == "gpt-5.2" {
			return nil, &upstream.APIError{
				StatusCode: http.StatusBadRequest,
				Code:       "model_not_supported",
				Message:    "model gpt-5.2 is not supported",
			}
		}
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, nil)

	res, err := r.Chat(context.Background(), chatRequest("gpt-5.2"), Options{Type: queue.TypeChat})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Model != "gpt-5.1" {
		t.Errorf("fallback model = %q", res.Model)
	}
	if got := up.calls(); len(got) != 2 || got[1] != "gpt-5.1" {
		t.Errorf("upstream calls = %v", got)
	}
}

func TestChatConfiguredFallbackOnCapacity(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		if model == "gpt-5.1" {
			return nil, &upstream.APIError{StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
		}
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, func(cfg *config.Config) {
		cfg.Fallback.Enabled = true
		cfg.Fallback.Models = map[string][]string{
			"gpt-5.1": {"missing-model", "claude-sonnet-4.5"},
		}
	})

	res, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Model != "claude-sonnet-4.5" {
		t.Errorf("fallback model = %q", res.Model)
	}
	// Three retry attempts on the primary, then one on the fallback.
	if got := up.calls(); len(got) != 4 {
		t.Errorf("upstream calls = %v", got)
	}
}

func TestChatQuotaErrorNotRetried(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(string) (*gateway.ChatResponse, error) {
		return nil, &upstream.APIError{StatusCode: http.StatusTooManyRequests, Code: "quota_exceeded", Message: "no quota"}
	}}
	r := newTestRelay(t, up, nil)

	_, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) || !apiErr.IsQuota() {
		t.Fatalf("err = %v", err)
	}
	if got := up.calls(); len(got) != 1 {
		t.Errorf("quota error retried: %v", got)
	}
	// Quota failure pauses the account through pool bookkeeping.
	acct, _ := r.pool.Get("a1")
	if !acct.Paused || acct.PauseReason != gateway.PauseQuota {
		t.Errorf("account not quota-paused: %+v", acct)
	}
}

func TestChatBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(string) (*gateway.ChatResponse, error) {
		return nil, &upstream.APIError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	}}
	r := newTestRelay(t, up, nil)
	r.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThreshold: 0.5,
		MinSamples:     2,
		WindowSeconds:  60,
		OpenTimeout:    time.Minute,
	})

	for range 2 {
		if _, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat}); err == nil {
			t.Fatal("expected upstream failure")
		}
	}
	calls := len(up.calls())

	_, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	if !errors.Is(err, gateway.ErrOverloaded) {
		t.Fatalf("err = %v, want circuit-open rejection", err)
	}
	if got := len(up.calls()); got != calls {
		t.Errorf("open circuit still dispatched upstream: %d -> %d calls", calls, got)
	}
}

func TestResetSessionRotatesIdentity(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, func(cfg *config.Config) {
		cfg.Cache.Enabled = false
	})

	if _, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// Account rotation invokes this through the pool's identity hook.
	r.ResetSession(gateway.Account{})

	if _, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	metas := up.dispatchMetas()
	if len(metas) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(metas))
	}
	if metas[0].SessionID == "" || metas[1].SessionID == "" {
		t.Fatalf("empty session id: %+v", metas)
	}
	if metas[0].SessionID == metas[1].SessionID {
		t.Error("session id unchanged after reset")
	}
}

func TestChatStreamForwardsAndRecords(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{streamFn: func() (<-chan gateway.StreamChunk, error) {
		ch := make(chan gateway.StreamChunk, 4)
		ch <- gateway.StreamChunk{Data: []byte(`{"id":"c1"}`)}
		ch <- gateway.StreamChunk{Usage: &gateway.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
		ch <- gateway.StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}}
	r := newTestRelay(t, up, nil)

	req := chatRequest("gpt-5.1")
	req.Stream = true
	res, err := r.Chat(context.Background(), req, Options{Type: queue.TypeChat})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("no stream returned")
	}

	var n int
	for range res.Stream {
		n++
	}
	if n != 3 {
		t.Errorf("forwarded %d chunks", n)
	}
}

func TestChatQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		<-block
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrent = 1
		cfg.Queue.MaxSize = 0
		cfg.Cache.Enabled = false
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
		done <- err
	}()

	// Wait until the first request occupies the only slot.
	deadline := time.After(2 * time.Second)
	for {
		if r.queue.Stats().Running == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first request never started")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
	if !errors.Is(err, gateway.ErrQueueFull) {
		t.Errorf("err = %v, want queue full", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Errorf("first request failed: %v", err)
	}
}

func TestManualApproveGate(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{chatFn: func(model string) (*gateway.ChatResponse, error) {
		return okResponse(model), nil
	}}
	r := newTestRelay(t, up, func(cfg *config.Config) {
		cfg.ManualApprove = true
		cfg.Cache.Enabled = false
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Chat(context.Background(), chatRequest("gpt-5.1"), Options{Type: queue.TypeChat})
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	var pending []PendingApproval
	for len(pending) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never reached the approval gate")
		case <-time.After(time.Millisecond):
		}
		pending = r.Approvals().List()
	}
	if pending[0].Model != "gpt-5.1" {
		t.Errorf("pending = %+v", pending[0])
	}
	if !r.Approvals().Resolve(pending[0].ID, true) {
		t.Fatal("Resolve returned false")
	}
	if err := <-done; err != nil {
		t.Errorf("approved request failed: %v", err)
	}
}

func TestApprovalDenied(t *testing.T) {
	t.Parallel()

	a := NewApprovals()
	done := make(chan error, 1)
	go func() {
		done <- a.Wait(context.Background(), "m", "sum")
	}()

	deadline := time.After(2 * time.Second)
	for len(a.List()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no pending approval")
		case <-time.After(time.Millisecond):
		}
	}
	a.Resolve(a.List()[0].ID, false)
	if err := <-done; !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("denied wait = %v", err)
	}
}

func TestTrailingToolRun(t *testing.T) {
	t.Parallel()

	call := func(id string) gateway.ToolCall {
		return gateway.ToolCall{ID: id, Type: "function", Function: gateway.FunctionCall{Name: "f", Arguments: "{}"}}
	}
	msgs := []gateway.Message{
		{Role: "user", Content: gateway.TextContent("go")},
		{Role: "assistant", Content: gateway.Content{}, ToolCalls: []gateway.ToolCall{call("call_1")}},
		{Role: "tool", ToolCallID: "call_1", Content: gateway.TextContent("out")},
		{Role: "assistant", Content: gateway.Content{}, ToolCalls: []gateway.ToolCall{call("call_2")}},
		{Role: "tool", ToolCallID: "call_2", Content: gateway.TextContent("out")},
	}
	if got := trailingToolRun(msgs); got != 2 {
		t.Errorf("trailingToolRun = %d", got)
	}
	if got := trailingToolRun(msgs[:1]); got != 0 {
		t.Errorf("no tool run = %d", got)
	}
}
