// Package upstream implements the HTTP client for the code-assistant
// backend: chat completions, the responses dialect, embeddings, model
// listing, quota usage, and session-token exchange. All calls are abortable
// through their context; each endpoint carries its own default timeout.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/models"
	"github.com/eugener/shadowfax/internal/sseutil"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Timeouts are the per-endpoint defaults, overridable from config.
type Timeouts struct {
	Token      time.Duration
	Usage      time.Duration
	Models     time.Duration
	Chat       time.Duration
	Embeddings time.Duration
}

// DefaultTimeouts returns the standard endpoint timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Token:      10 * time.Second,
		Usage:      30 * time.Second,
		Models:     10 * time.Second,
		Chat:       60 * time.Second,
		Embeddings: 30 * time.Second,
	}
}

// Client talks to the upstream backend.
type Client struct {
	apiBase    string
	authBase   string
	apiVersion string
	timeouts   Timeouts
	http       *http.Client
	tracer     trace.Tracer

	// tokenSource supplies a session token for catalog reads (model
	// listing); set after the pool is wired.
	tokenSource func(context.Context) (string, error)
}

// New creates a Client. Empty apiVersion selects the default.
func New(apiBase, authBase, apiVersion string, timeouts Timeouts, httpClient *http.Client) *Client {
	if apiVersion == "" {
		apiVersion = defaultAPIVers
	}
	if httpClient == nil {
		resolver := &dnscache.Resolver{}
		httpClient = &http.Client{Transport: NewTransport(resolver, true)}
	}
	return &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		authBase:   strings.TrimRight(authBase, "/"),
		apiVersion: apiVersion,
		timeouts:   timeouts,
		http:       httpClient,
		tracer:     telemetry.Tracer("upstream"),
	}
}

// ExchangeToken exchanges a long-lived credential for a session token.
// Expiry is now + refresh_in so the reuse source refreshes ahead of the
// token's hard expiry.
func (c *Client) ExchangeToken(ctx context.Context, credential string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Token)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBase+"/session/token", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+credential)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(resp)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
		RefreshIn int    `json:"refresh_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode token response: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("upstream: empty session token")
	}
	ttl := out.RefreshIn
	if ttl == 0 {
		ttl = out.ExpiresIn
	}
	return &oauth2.Token{
		AccessToken: out.Token,
		Expiry:      time.Now().Add(time.Duration(ttl) * time.Second),
	}, nil
}

// Usage fetches the remaining-quota snapshot for the account behind the
// session token.
func (c *Client) Usage(ctx context.Context, sessionToken string) (*gateway.QuotaSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Usage)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/usage", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create usage request: %w", err)
	}
	c.applyHeaders(req, DispatchMeta{SessionToken: sessionToken})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(resp)
	}

	var out struct {
		QuotaSnapshots struct {
			Chat        gateway.QuotaBucket `json:"chat"`
			Completions gateway.QuotaBucket `json:"completions"`
			Premium     gateway.QuotaBucket `json:"premium_interactions"`
		} `json:"quota_snapshots"`
		ResetDate string `json:"quota_reset_date"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode usage response: %w", err)
	}
	return &gateway.QuotaSnapshot{
		Chat:        out.QuotaSnapshots.Chat,
		Completions: out.QuotaSnapshots.Completions,
		Premium:     out.QuotaSnapshots.Premium,
		ResetDate:   out.ResetDate,
		FetchedAt:   time.Now(),
	}, nil
}

// ListModels fetches the model catalog with endpoint and limit metadata.
func (c *Client) ListModels(ctx context.Context) ([]models.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Models)
	defer cancel()

	var tok string
	if c.tokenSource != nil {
		t, err := c.tokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("upstream: catalog token: %w", err)
		}
		tok = t
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create models request: %w", err)
	}
	c.applyHeaders(req, DispatchMeta{SessionToken: tok})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ParseAPIError(resp)
	}

	var out struct {
		Data []struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			Vendor       string `json:"vendor"`
			Preview      bool   `json:"preview"`
			Capabilities struct {
				SupportedEndpoints []string `json:"supports,omitempty"`
				Limits             struct {
					MaxPromptTokens  int `json:"max_prompt_tokens"`
					MaxContextWindow int `json:"max_context_window_tokens"`
					MaxOutputTokens  int `json:"max_output_tokens"`
				} `json:"limits"`
			} `json:"capabilities"`
			SupportedEndpoints []string `json:"supported_endpoints"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upstream: decode models response: %w", err)
	}

	list := make([]models.Model, 0, len(out.Data))
	for _, m := range out.Data {
		endpoints := m.SupportedEndpoints
		if len(endpoints) == 0 {
			endpoints = m.Capabilities.SupportedEndpoints
		}
		list = append(list, models.Model{
			ID:                 m.ID,
			Name:               m.Name,
			Vendor:             m.Vendor,
			Preview:            m.Preview,
			SupportedEndpoints: endpoints,
			MaxPromptTokens:    m.Capabilities.Limits.MaxPromptTokens,
			MaxContextWindow:   m.Capabilities.Limits.MaxContextWindow,
			MaxOutputTokens:    m.Capabilities.Limits.MaxOutputTokens,
		})
	}
	return list, nil
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, meta DispatchMeta, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chat)
	defer cancel()

	body, err := c.postJSON(ctx, "/chat/completions", meta, req, req.Model)
	if err != nil {
		return nil, err
	}
	var out gateway.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode chat response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// payloads are forwarded as-is in StreamChunk.Data; the channel closes after
// the Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, meta DispatchMeta, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}
	return c.postStream(ctx, "/chat/completions", meta, &outReq, req.Model)
}

// Responses sends a non-streaming responses-dialect request and returns the
// raw body for dialect conversion or passthrough.
func (c *Client) Responses(ctx context.Context, meta DispatchMeta, req any, model string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chat)
	defer cancel()
	return c.postJSON(ctx, "/responses", meta, req, model)
}

// ResponsesStream sends a streaming responses-dialect request.
func (c *Client) ResponsesStream(ctx context.Context, meta DispatchMeta, req any, model string) (<-chan gateway.StreamChunk, error) {
	return c.postStream(ctx, "/responses", meta, req, model)
}

// Embeddings sends an embedding request.
func (c *Client) Embeddings(ctx context.Context, meta DispatchMeta, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Embeddings)
	defer cancel()

	body, err := c.postJSON(ctx, "/embeddings", meta, req, req.Model)
	if err != nil {
		return nil, err
	}
	var out gateway.EmbeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode embeddings response: %w", err)
	}
	return &out, nil
}

// postJSON issues a POST and returns the response body, normalizing error
// statuses into *APIError.
func (c *Client) postJSON(ctx context.Context, path string, meta DispatchMeta, payload any, model string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.dispatch",
		trace.WithAttributes(attribute.String("path", path), attribute.String("model", model)))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	c.applyHeaders(req, meta)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := ParseAPIError(resp)
		span.RecordError(apiErr)
		return nil, apiErr
	}

	data, err := readAll(resp)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}
	return data, nil
}

// postStream issues a streaming POST and returns the chunk channel.
func (c *Client) postStream(ctx context.Context, path string, meta DispatchMeta, payload any, model string) (<-chan gateway.StreamChunk, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.stream",
		trace.WithAttributes(attribute.String("path", path), attribute.String("model", model)))

	body, err := json.Marshal(payload)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		span.End()
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	c.applyHeaders(req, meta)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("upstream: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := ParseAPIError(resp)
		span.RecordError(apiErr)
		span.End()
		return nil, apiErr
	}

	ch := make(chan gateway.StreamChunk, 8)
	go func() {
		defer span.End()
		sseutil.ReadSSEStream(ctx, resp, ch)
	}()
	return ch, nil
}

// SetTokenSource wires the session-token supplier used for catalog reads.
func (c *Client) SetTokenSource(fn func(context.Context) (string, error)) {
	c.tokenSource = fn
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

// IsNetworkError reports whether err looks like a transient network-class
// failure (reset, refused, timeout, DNS).
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"no such host",
		"timeout",
		"timed out",
		"EOF",
		"broken pipe",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// ProbeStreamError inspects a raw SSE data payload for an inline error
// object, which some upstream streams emit instead of an HTTP error status.
func ProbeStreamError(data []byte) (string, bool) {
	e := gjson.GetBytes(data, "error")
	if !e.Exists() {
		return "", false
	}
	if m := e.Get("message").String(); m != "" {
		return m, true
	}
	return e.Raw, true
}
