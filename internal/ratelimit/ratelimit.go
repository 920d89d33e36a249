// Package ratelimit implements the single-process minimum-interval gate in
// front of upstream dispatch. Callers pass through the mutex in FIFO wake
// order; the shortfall is either slept away (wait mode) or surfaced as a
// rate-limit error.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// Gate enforces a minimum interval between consecutive requests.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	wait     bool
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gate. A non-positive interval disables the gate. When wait
// is true, a caller arriving inside the interval sleeps for the shortfall;
// otherwise it is rejected with ErrRateLimited.
func New(interval time.Duration, wait bool) *Gate {
	return &Gate{
		interval: interval,
		wait:     wait,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Acquire passes the gate or returns ErrRateLimited. The mutex is held
// across the wait so concurrent callers drain strictly FIFO.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.interval <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.last.IsZero() {
		g.last = now
		return nil
	}
	elapsed := now.Sub(g.last)
	if elapsed >= g.interval {
		g.last = now
		return nil
	}
	shortfall := g.interval - elapsed
	if !g.wait {
		return fmt.Errorf("%w: retry in %s", gateway.ErrRateLimited, shortfall.Round(time.Millisecond))
	}
	if err := g.sleep(ctx, shortfall); err != nil {
		return err
	}
	g.last = g.now()
	return nil
}

// SetInterval reconfigures the gate at runtime.
func (g *Gate) SetInterval(interval time.Duration, wait bool) {
	g.mu.Lock()
	g.interval = interval
	g.wait = wait
	g.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
