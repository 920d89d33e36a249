// Package store persists account pool state as a JSON document under the
// user config directory. Missing or corrupt state yields an empty pool;
// saves are best-effort and never propagate failures to request handling.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	gateway "github.com/eugener/shadowfax/internal"
)

// StateFile is the pool state file name under the config directory.
const StateFile = "account-pool.json"

// ConfigMirror receives the minimal user-visible view of each credential.
// Implemented by the config package; nil disables mirroring.
type ConfigMirror interface {
	MirrorAccount(label, token string) error
}

// Store loads and saves pool state.
type Store struct {
	mu     sync.Mutex
	path   string
	mirror ConfigMirror
}

// New creates a Store writing to dir/StateFile.
func New(dir string, mirror ConfigMirror) *Store {
	return &Store{path: filepath.Join(dir, StateFile), mirror: mirror}
}

// Load reads the persisted pool state. Missing or unparseable files return
// an empty state; this is the normal first-run path, not an error.
func (s *Store) Load() *gateway.PoolState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &gateway.PoolState{Enabled: true, Strategy: "sticky"}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("pool state unreadable, starting empty", "path", s.path, "error", err)
		}
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		slog.Warn("pool state corrupt, starting empty", "path", s.path, "error", err)
		return &gateway.PoolState{Enabled: true, Strategy: "sticky"}
	}
	return state
}

// Save serializes the complete state atomically (write temp, rename).
// Failures are logged, not propagated.
func (s *Store) Save(state *gateway.PoolState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(state); err != nil {
		slog.Error("pool state save failed", "path", s.path, "error", err)
	}
}

func (s *Store) save(state *gateway.PoolState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pool state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pool state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Mirror forwards a newly added credential to the config file so the
// operator-visible account list stays in sync. One-way; best-effort.
func (s *Store) Mirror(label, token string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.MirrorAccount(label, token); err != nil {
		slog.Warn("config mirror failed", "label", label, "error", err)
	}
}
