package circuitbreaker

import "sync"

// Registry hands out one Breaker per upstream endpoint. Endpoint
// cardinality is fixed and tiny, so a plain mutex around the map suffices.
type Registry struct {
	mu  sync.Mutex
	cfg Config
	m   map[string]*Breaker
}

// NewRegistry creates an empty registry; breakers are created on first use
// with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for endpoint, creating it if needed.
func (r *Registry) GetOrCreate(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[endpoint]
	if !ok {
		b = NewBreaker(r.cfg)
		r.m[endpoint] = b
	}
	return b
}
