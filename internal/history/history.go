// Package history records completed requests and their cost to JSON files.
// Records flow through a buffered channel so the request path never blocks
// on disk; a worker batches and flushes them.
package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

const (
	// RequestFile holds the rolling request history.
	RequestFile = "request-history.json"
	// CostFile holds per-request cost entries.
	CostFile = "cost-history.json"

	maxEntries = 1000
	retention  = 7 * 24 * time.Hour
	chanSize   = 1000
	flushEvery = 5 * time.Second
	drainTime  = 10 * time.Second
)

// CostFn computes the dollar cost of a request. Pricing tables live outside
// this package.
type CostFn func(model string, inputTokens, outputTokens int) float64

// CostEntry is one line of cost-history.json.
type CostEntry struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Account      string    `json:"account,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recorder buffers history entries and batch-flushes them to disk. Entries
// are dropped if the channel is full.
type Recorder struct {
	ch   chan gateway.HistoryEntry
	dir  string
	cost CostFn

	mu      sync.Mutex
	entries []gateway.HistoryEntry
	costs   []CostEntry
	dirty   bool

	now func() time.Time
}

// New creates a Recorder persisting under dir, loading any existing history.
// cost may be nil; entries then keep whatever CostUSD the caller set.
func New(dir string, cost CostFn) *Recorder {
	r := &Recorder{
		ch:   make(chan gateway.HistoryEntry, chanSize),
		dir:  dir,
		cost: cost,
		now:  time.Now,
	}
	r.load()
	return r
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "history_recorder" }

// Record enqueues a history entry. It never blocks; drops on full channel.
// ID and CreatedAt are filled when empty, and CostUSD is computed for
// successful entries when a CostFn is configured.
func (r *Recorder) Record(e gateway.HistoryEntry) {
	select {
	case r.ch <- e:
	default:
		slog.Warn("history entry dropped, channel full")
	}
}

// Run processes entries until ctx is cancelled, then drains and flushes.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.ch:
			r.append(e)

		case <-ticker.C:
			r.persist()

		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (r *Recorder) Entries(limit int) []gateway.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]gateway.HistoryEntry, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[len(r.entries)-1-i]
	}
	return out
}

// Costs returns all retained cost entries, oldest first.
func (r *Recorder) Costs() []CostEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CostEntry, len(r.costs))
	copy(out, r.costs)
	return out
}

func (r *Recorder) append(e gateway.HistoryEntry) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if e.CostUSD == 0 && r.cost != nil && e.Status == gateway.HistorySuccess {
		e.CostUSD = r.cost(e.Model, e.InputTokens, e.OutputTokens)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	if e.Status == gateway.HistorySuccess || e.Status == gateway.HistoryCached {
		r.costs = append(r.costs, CostEntry{
			ID:           e.ID,
			Model:        e.Model,
			Account:      e.Account,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			CostUSD:      e.CostUSD,
			CreatedAt:    e.CreatedAt,
		})
	}
	r.pruneLocked()
	r.dirty = true
}

// pruneLocked enforces the entry cap and retention window.
func (r *Recorder) pruneLocked() {
	cutoff := r.now().Add(-retention)

	keep := r.entries[:0]
	for _, e := range r.entries {
		if e.CreatedAt.After(cutoff) {
			keep = append(keep, e)
		}
	}
	r.entries = keep
	if len(r.entries) > maxEntries {
		r.entries = append([]gateway.HistoryEntry(nil), r.entries[len(r.entries)-maxEntries:]...)
	}

	keepCosts := r.costs[:0]
	for _, c := range r.costs {
		if c.CreatedAt.After(cutoff) {
			keepCosts = append(keepCosts, c)
		}
	}
	r.costs = keepCosts
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.ch:
			r.append(e)
		default:
			r.persist()
			return
		}
	}
}

// persist writes both files via temp-and-rename when there are unsaved
// changes. Write failures are logged, not fatal.
func (r *Recorder) persist() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	entries := make([]gateway.HistoryEntry, len(r.entries))
	copy(entries, r.entries)
	costs := make([]CostEntry, len(r.costs))
	copy(costs, r.costs)
	r.dirty = false
	r.mu.Unlock()

	writeJSON(filepath.Join(r.dir, RequestFile), entries)
	writeJSON(filepath.Join(r.dir, CostFile), costs)
}

func (r *Recorder) load() {
	cutoff := time.Now().Add(-retention)

	var entries []gateway.HistoryEntry
	if readJSON(filepath.Join(r.dir, RequestFile), &entries) {
		for _, e := range entries {
			if e.CreatedAt.After(cutoff) {
				r.entries = append(r.entries, e)
			}
		}
	}
	var costs []CostEntry
	if readJSON(filepath.Join(r.dir, CostFile), &costs) {
		for _, c := range costs {
			if c.CreatedAt.After(cutoff) {
				r.costs = append(r.costs, c)
			}
		}
	}
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("history marshal failed", "path", path, "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("history write failed", "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("history rename failed", "path", path, "error", err)
	}
}

func readJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("history load failed", "path", path, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("history file corrupt, starting fresh", "path", path, "error", err)
		return false
	}
	return true
}
