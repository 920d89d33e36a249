package models

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshInterval is how long a fetched model list stays fresh.
const refreshInterval = 10 * time.Minute

// Fetcher lists models from upstream. Implemented by the upstream client.
type Fetcher interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// Registry caches the upstream model list and answers metadata and fallback
// queries. Refreshes are deduplicated across concurrent callers.
type Registry struct {
	mu        sync.RWMutex
	models    []Model
	byID      map[string]Model
	fetchedAt time.Time

	fetcher Fetcher
	group   singleflight.Group
	now     func() time.Time
}

// NewRegistry creates a Registry over the given fetcher.
func NewRegistry(fetcher Fetcher) *Registry {
	return &Registry{
		byID:    make(map[string]Model),
		fetcher: fetcher,
		now:     time.Now,
	}
}

// List returns the cached model list, refreshing if stale. A failed refresh
// with a non-empty cache serves the stale copy.
func (r *Registry) List(ctx context.Context) ([]Model, error) {
	r.mu.RLock()
	fresh := r.now().Sub(r.fetchedAt) < refreshInterval && len(r.models) > 0
	cached := r.models
	r.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	_, err, _ := r.group.Do("refresh", func() (any, error) {
		models, err := r.fetcher.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]Model, len(models))
		for _, m := range models {
			byID[m.ID] = m
		}
		r.mu.Lock()
		r.models = models
		r.byID = byID
		r.fetchedAt = r.now()
		r.mu.Unlock()
		return nil, nil
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err != nil {
		if len(r.models) > 0 {
			return r.models, nil
		}
		return nil, err
	}
	return r.models, nil
}

// Get returns the metadata for a model id.
func (r *Registry) Get(ctx context.Context, id string) (Model, bool) {
	r.List(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// Seed installs a model list directly, for tests and offline start.
func (r *Registry) Seed(models []Model) {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	r.mu.Lock()
	r.models = models
	r.byID = byID
	r.fetchedAt = r.now()
	r.mu.Unlock()
}

// FindFallback searches for a sibling of modelID that supports endpoint.
// Preference order: same family with a lower tier, then known suffix
// stripping, then the highest-scoring sibling by the rubric.
func (r *Registry) FindFallback(ctx context.Context, modelID, endpoint string) (string, bool) {
	r.List(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := parseIdentity(modelID)

	// Same family, highest tier strictly below ours.
	var best string
	var bestTier float64 = -1
	for _, m := range r.models {
		if m.ID == modelID || !m.SupportsEndpoint(endpoint) {
			continue
		}
		cand := parseIdentity(m.ID)
		if cand.family == want.family && want.family != "" && cand.tier < want.tier && cand.tier > bestTier {
			best = m.ID
			bestTier = cand.tier
		}
	}
	if best != "" {
		return best, true
	}

	// Known variant suffix stripping.
	for _, variant := range strippedVariants(modelID) {
		if m, ok := r.byID[variant]; ok && m.SupportsEndpoint(endpoint) {
			return m.ID, true
		}
	}

	// Rubric scoring across all siblings.
	bestScore := -1
	for _, m := range r.models {
		if m.ID == modelID || !m.SupportsEndpoint(endpoint) {
			continue
		}
		if s := score(want, modelID, m); s > bestScore {
			bestScore = s
			best = m.ID
		}
	}
	return best, best != ""
}
