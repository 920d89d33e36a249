// Package gateway defines domain types and interfaces for the Shadowfax proxy.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// --- Chat wire types (OpenAI dialect, internal canonical form) ---

// ChatRequest represents an OpenAI-compatible chat completion request after
// normalization. Content has been parsed into the canonical sum form.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	LogitBias        json.RawMessage `json:"logit_bias,omitempty"`
	Logprobs         json.RawMessage `json:"logprobs,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is the canonical internal chat message. Content is the tagged sum
// string | null | parts; ToolCalls is populated only on assistant messages,
// ToolCallID only on tool-role messages.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its arguments as a JSON string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentKind discriminates the Content sum.
type ContentKind int

const (
	// ContentNull is an explicit null content (assistant tool-call turns).
	ContentNull ContentKind = iota
	// ContentText is plain string content.
	ContentText
	// ContentParts is an ordered list of text/image parts.
	ContentParts
)

// Content is the tagged sum string | null | []Part. The zero value is null.
type Content struct {
	Kind  ContentKind
	Text  string
	Parts []Part
}

// Part is a single content part: either text or an image reference.
type Part struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef is an image-reference content part payload.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// TextContent returns a Content holding s.
func TextContent(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

// PartsContent returns a Content holding parts.
func PartsContent(parts []Part) Content {
	return Content{Kind: ContentParts, Parts: parts}
}

// IsEmpty reports whether the content is null, an empty string, or no parts.
func (c Content) IsEmpty() bool {
	switch c.Kind {
	case ContentText:
		return c.Text == ""
	case ContentParts:
		return len(c.Parts) == 0
	default:
		return true
	}
}

// AsString flattens the content to plain text. Image parts are rendered as
// their URL so tool results and cache keys stay deterministic.
func (c Content) AsString() string {
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentParts:
		var buf bytes.Buffer
		for _, p := range c.Parts {
			if p.Type == "text" {
				buf.WriteString(p.Text)
			} else if p.ImageURL != nil {
				buf.WriteString(p.ImageURL.URL)
			}
		}
		return buf.String()
	default:
		return ""
	}
}

// HasImage reports whether any part is an image reference.
func (c Content) HasImage() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// MarshalJSON emits the wire form of the sum: string, null, or array.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(c.Text)
	case ContentParts:
		return json.Marshal(c.Parts)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts string, null, or an array of canonical parts.
// Dialect-specific part shapes are handled by the translate package before
// reaching this type.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{Kind: ContentNull}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{Kind: ContentText, Text: s}
		return nil
	}
	var parts []Part
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return err
	}
	*c = Content{Kind: ContentParts, Parts: parts}
	return nil
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single frame in a streaming response.
type StreamChunk struct {
	Event string // SSE event name; empty for plain data frames
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Ping  bool   // keep-alive frame
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Accounts and quota ---

// PauseReason explains why an account is paused.
type PauseReason string

const (
	PauseManual PauseReason = "manual"
	PauseQuota  PauseReason = "quota"
)

// ErrorKind classifies an upstream failure for pool bookkeeping.
type ErrorKind string

const (
	ErrorKindRateLimit ErrorKind = "rate-limit"
	ErrorKindQuota     ErrorKind = "quota"
	ErrorKindAuth      ErrorKind = "auth"
	ErrorKindOther     ErrorKind = "other"
)

// Account is a credential record. The pool exclusively owns Account values;
// all mutation goes through pool entry points.
type Account struct {
	ID               string         `json:"id"` // derived from the upstream user identity
	Label            string         `json:"label"`
	Credential       string         `json:"credential"` // long-lived secret
	SessionToken     string         `json:"session_token,omitempty"`
	SessionExpiresAt time.Time      `json:"session_expires_at,omitzero"`
	RequestCount     int64          `json:"request_count"`
	ErrorCount       int64          `json:"error_count"`
	LastUsedAt       time.Time      `json:"last_used_at,omitzero"`
	LastErrorKind    ErrorKind      `json:"last_error_kind,omitempty"`
	RateLimited      bool           `json:"rate_limited"`
	RateLimitResetAt time.Time      `json:"rate_limit_reset_at,omitzero"`
	Active           bool           `json:"active"`
	Paused           bool           `json:"paused"`
	PauseReason      PauseReason    `json:"pause_reason,omitempty"`
	Quota            *QuotaSnapshot `json:"quota,omitempty"`
}

// Eligible reports whether the account is in the active set.
func (a *Account) Eligible() bool {
	return a.Active && !a.RateLimited && !a.Paused
}

// QuotaBucket is one quota bucket of an account's snapshot.
type QuotaBucket struct {
	Remaining        float64 `json:"remaining"`
	Entitlement      float64 `json:"entitlement"`
	PercentRemaining float64 `json:"percent_remaining"`
	Unlimited        bool    `json:"unlimited"`
}

// QuotaSnapshot is the per-account remaining-quota view fetched from the
// upstream usage endpoint. A snapshot older than the refresh interval is
// stale and the account's effective quota is presumed sufficient.
type QuotaSnapshot struct {
	Chat        QuotaBucket `json:"chat"`
	Completions QuotaBucket `json:"completions"`
	Premium     QuotaBucket `json:"premium_interactions"`
	ResetDate   string      `json:"reset_date,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// PoolState is the persisted account pool state (account-pool.json).
type PoolState struct {
	Enabled        bool      `json:"enabled"`
	Strategy       string    `json:"strategy"`
	Accounts       []Account `json:"accounts"`
	Cursor         int       `json:"cursor"`
	StickyID       string    `json:"sticky_id,omitempty"`
	LastSelectedID string    `json:"last_selected_id,omitempty"`
	LastRotationAt time.Time `json:"last_rotation_at,omitzero"`
	// LastResetMonth is year*12+month of the last observed calendar month,
	// persisted so a restart across a month boundary does not skip the
	// monthly quota reset. Zero means never observed.
	LastResetMonth int `json:"last_reset_month,omitempty"`
}

// --- History ---

// HistoryStatus is the terminal state of a recorded request.
type HistoryStatus string

const (
	HistorySuccess   HistoryStatus = "success"
	HistoryError     HistoryStatus = "error"
	HistoryCached    HistoryStatus = "cached"
	HistoryCancelled HistoryStatus = "cancelled"
)

// HistoryEntry is a single request history record (request-history.json).
type HistoryEntry struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"` // "chat", "message", "embedding"
	Model        string        `json:"model"`
	Account      string        `json:"account,omitempty"`
	Status       HistoryStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Stream       bool          `json:"stream"`
	DurationMs   int64         `json:"duration_ms"`
	CreatedAt    time.Time     `json:"created_at"`
}

// --- Notifications ---

// EventKind names a pool or quota event worth surfacing to the operator.
type EventKind string

const (
	EventRateLimited EventKind = "account_rate_limited"
	EventPaused      EventKind = "account_paused"
	EventResumed     EventKind = "account_resumed"
	EventRotated     EventKind = "pool_rotated"
	EventAuthFailed  EventKind = "account_auth_failed"
)

// Event is a notification payload.
type Event struct {
	Kind    EventKind
	Account string // account label
	Detail  string
}

// Notifier receives pool and quota events. Delivery transports (webhooks,
// dashboards) live outside this module; the default implementation logs.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
