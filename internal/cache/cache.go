// Package cache implements the response cache: a TTL-bounded LRU keyed by a
// deterministic request fingerprint, persisted best-effort to
// request-cache.json. Eviction is strictly by last-accessed time so the
// "one insert past max evicts exactly the least-recently-used entry"
// guarantee holds; the entry map round-trips to disk with its access
// metadata intact.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// FileName is the cache persistence file under the config directory.
const FileName = "request-cache.json"

// Entry is a cached response with its bookkeeping.
type Entry struct {
	Fingerprint  string          `json:"fingerprint"`
	Response     json.RawMessage `json:"response"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	HitCount     int             `json:"hit_count"`
}

// Stats are the observability counters, persisted alongside entries.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	SavedTokens int64 `json:"savedTokens"`
}

// Cache is the process-wide response cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	max     int
	ttl     time.Duration
	path    string
	stats   Stats
	dirty   bool

	now func() time.Time // test seam
}

// persisted is the on-disk document shape.
type persisted struct {
	Entries map[string]*Entry `json:"entries"`
	Stats   Stats             `json:"stats"`
}

// New creates a Cache persisting to dir/FileName. Entries already past
// their TTL on load are discarded.
func New(maxEntries int, ttl time.Duration, dir string) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		max:     maxEntries,
		ttl:     ttl,
		path:    filepath.Join(dir, FileName),
		now:     time.Now,
	}
	c.load()
	return c
}

// Get returns the entry for key, refreshing its access time and hit count.
// Entries past the TTL are deleted on access and reported as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	now := c.now()
	if now.Sub(e.CreatedAt) > c.ttl {
		delete(c.entries, key)
		c.stats.Misses++
		c.dirty = true
		return nil, false
	}
	e.LastAccessed = now
	e.HitCount++
	c.stats.Hits++
	c.stats.SavedTokens += int64(e.InputTokens + e.OutputTokens)
	c.dirty = true
	out := *e
	return &out, true
}

// Set inserts an entry, then evicts by ascending last-accessed until the
// cache is at or below its maximum size.
func (c *Cache) Set(key string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e.Fingerprint = key
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	c.entries[key] = e
	for len(c.entries) > c.max {
		c.evictOldestLocked()
	}
	c.dirty = true
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.LastAccessed.Before(oldest) {
			oldestKey = k
			oldest = e.LastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Purge removes all entries.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.dirty = true
}

// Cacheable reports whether a request/response pair may be cached:
// streaming responses and responses carrying tool calls are not (tool
// calls belong to an in-progress agent turn).
func Cacheable(req *gateway.ChatRequest, resp *gateway.ChatResponse) bool {
	if req.Stream {
		return false
	}
	for _, ch := range resp.Choices {
		if len(ch.Message.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// Persist writes {entries, stats} to disk if anything changed since the
// last write. Best-effort: failures are logged.
func (c *Cache) Persist() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	doc := persisted{Entries: c.entries, Stats: c.stats}
	data, err := json.Marshal(doc)
	c.dirty = false
	path := c.path
	c.mu.Unlock()

	if err != nil {
		slog.Error("cache marshal failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		slog.Error("cache persist failed", "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("cache persist failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("cache persist failed", "error", err)
	}
}

func (c *Cache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var doc persisted
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("cache file corrupt, starting empty", "path", c.path, "error", err)
		return
	}
	now := c.now()
	for k, e := range doc.Entries {
		if now.Sub(e.CreatedAt) <= c.ttl {
			c.entries[k] = e
		}
	}
	c.stats = doc.Stats
}

// fingerprintEnvelope fixes the key order of the canonical payload
// envelope. Struct fields marshal in declaration order, which keeps the
// fingerprint stable across processes.
type fingerprintEnvelope struct {
	Model            string             `json:"model"`
	Messages         []fingerprintMsg   `json:"messages"`
	Temperature      *float64           `json:"temperature"`
	MaxTokens        *int               `json:"max_tokens"`
	TopP             *float64           `json:"top_p"`
	FrequencyPenalty *float64           `json:"frequency_penalty"`
	PresencePenalty  *float64           `json:"presence_penalty"`
	Seed             *int               `json:"seed"`
	Stop             json.RawMessage    `json:"stop"`
	ResponseFormat   json.RawMessage    `json:"response_format"`
	ToolChoice       json.RawMessage    `json:"tool_choice"`
	User             string             `json:"user"`
	LogitBias        json.RawMessage    `json:"logit_bias"`
	Logprobs         json.RawMessage    `json:"logprobs"`
	N                int                `json:"n"`
	Stream           bool               `json:"stream"`
	Tools            string             `json:"tools"`
	AccountID        string             `json:"account_id"`
}

type fingerprintMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint computes the deterministic cache key for a request under a
// given account: "<model>-" plus the first 16 hex chars of the SHA-256 of
// the canonical envelope.
func Fingerprint(accountID string, req *gateway.ChatRequest) string {
	env := fingerprintEnvelope{
		Model:            req.Model,
		Messages:         make([]fingerprintMsg, len(req.Messages)),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Seed:             req.Seed,
		Stop:             req.Stop,
		ResponseFormat:   req.ResponseFormat,
		ToolChoice:       req.ToolChoice,
		User:             req.User,
		LogitBias:        req.LogitBias,
		Logprobs:         req.Logprobs,
		N:                req.N,
		Stream:           req.Stream,
		Tools:            string(req.Tools),
		AccountID:        accountID,
	}
	for i, m := range req.Messages {
		env.Messages[i] = fingerprintMsg{Role: m.Role, Content: m.Content.AsString()}
	}
	data, _ := json.Marshal(env)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s-%s", req.Model, hex.EncodeToString(sum[:])[:16])
}
