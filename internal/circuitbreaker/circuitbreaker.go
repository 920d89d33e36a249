// Package circuitbreaker guards upstream endpoints with a sliding-window
// error-rate breaker. When an endpoint is failing across accounts the
// breaker opens and dispatches fail fast instead of each burning a full
// upstream timeout.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // requests pass
	StateOpen                  // requests rejected
	StateHalfOpen              // exactly one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate that opens the breaker
	MinSamples     int           // window samples required before opening
	WindowSeconds  int           // sliding window length
	OpenTimeout    time.Duration // dwell time in open before the first probe
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// cell accumulates outcomes for one second.
type cell struct {
	at     int64 // unix second this cell belongs to
	weight float64
	n      int
}

// window is a ring of per-second cells keyed by timestamp. A cell whose
// stamp has fallen out of the window is ignored on read and reclaimed on
// the next write to its slot, so no advance/clear pass is needed.
type window struct {
	cells []cell
}

func newWindow(seconds int) window {
	if seconds <= 0 || seconds > 600 {
		seconds = 60
	}
	return window{cells: make([]cell, seconds)}
}

func (w *window) add(weight float64, nowSec int64) {
	c := &w.cells[nowSec%int64(len(w.cells))]
	if c.at != nowSec {
		*c = cell{at: nowSec}
	}
	c.n++
	c.weight += weight
}

// rate returns the weighted error rate and sample count over the window.
func (w *window) rate(nowSec int64) (float64, int) {
	span := int64(len(w.cells))
	var weight float64
	var n int
	for i := range w.cells {
		c := &w.cells[i]
		if c.at > nowSec-span && c.at <= nowSec {
			weight += c.weight
			n += c.n
		}
	}
	if n == 0 {
		return 0, 0
	}
	return weight / float64(n), n
}

func (w *window) reset() {
	clear(w.cells)
}

// Breaker tracks one upstream endpoint.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	win      window
	openedAt time.Time
	probing  bool // a half-open probe is in flight

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, win: newWindow(cfg.WindowSeconds), now: time.Now}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a dispatch may proceed. In the open state the first
// call after OpenTimeout becomes the half-open probe; while a probe is in
// flight every other caller is rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// RecordSuccess records a healthy outcome. A successful probe closes the
// breaker and discards the window that opened it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.win.add(0, b.now().Unix())
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.win.reset()
	}
}

// RecordError records a failed outcome with the given weight. A failed
// probe reopens immediately; a closed breaker opens once the window holds
// MinSamples and the weighted rate reaches ErrorThreshold.
func (b *Breaker) RecordError(weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.win.add(weight, now.Unix())

	switch b.state {
	case StateClosed:
		rate, n := b.win.rate(now.Unix())
		if n >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}
