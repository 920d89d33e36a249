package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

func newTestGate(interval time.Duration, wait bool) (*Gate, *time.Time, *time.Duration) {
	g := New(interval, wait)
	now := time.Unix(1000000, 0)
	var slept time.Duration
	g.now = func() time.Time { return now }
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		now = now.Add(d)
		return nil
	}
	return g, &now, &slept
}

func TestFirstCallPasses(t *testing.T) {
	t.Parallel()

	g, _, _ := newTestGate(time.Second, false)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestRejectInsideInterval(t *testing.T) {
	t.Parallel()

	g, now, _ := newTestGate(time.Second, false)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	*now = now.Add(400 * time.Millisecond)
	err := g.Acquire(context.Background())
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestBoundaryElapsedPasses(t *testing.T) {
	t.Parallel()

	g, now, _ := newTestGate(time.Second, false)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	*now = now.Add(time.Second)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("exactly-elapsed interval rejected: %v", err)
	}
}

func TestWaitSleepsShortfall(t *testing.T) {
	t.Parallel()

	g, now, slept := newTestGate(time.Second, true)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	*now = now.Add(300 * time.Millisecond)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("wait-mode Acquire: %v", err)
	}
	if *slept != 700*time.Millisecond {
		t.Errorf("slept = %s, want 700ms", *slept)
	}
}

func TestWaitRespectsCancellation(t *testing.T) {
	t.Parallel()

	g := New(time.Hour, true)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	g := New(0, false)
	for i := 0; i < 5; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("disabled gate rejected: %v", err)
		}
	}
}
