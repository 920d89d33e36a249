package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/pool"
)

type fakeWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f *fakeWorker) Name() string                  { return f.name }
func (f *fakeWorker) Run(ctx context.Context) error { return f.run(ctx) }

func TestRunnerCancelsAllOnError(t *testing.T) {
	t.Parallel()

	var stopped atomic.Bool
	boom := errors.New("boom")

	r := NewRunner(
		&fakeWorker{name: "failing", run: func(context.Context) error {
			return boom
		}},
		&fakeWorker{name: "steady", run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return nil
		}},
	)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
	if !stopped.Load() {
		t.Error("sibling worker not cancelled")
	}
}

func TestRunnerWaitsForAll(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var done atomic.Int32

	workers := make([]Worker, 3)
	for i := range workers {
		workers[i] = &fakeWorker{name: "w", run: func(ctx context.Context) error {
			<-ctx.Done()
			done.Add(1)
			return nil
		}}
	}
	go cancel()
	if err := NewRunner(workers...).Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if done.Load() != 3 {
		t.Errorf("done = %d", done.Load())
	}
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) SessionToken(_ context.Context, acct gateway.Account) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "sess-" + acct.ID, nil
}

type fakeUsage struct {
	calls atomic.Int32
	snap  *gateway.QuotaSnapshot
	err   error
}

func (f *fakeUsage) Usage(context.Context, string) (*gateway.QuotaSnapshot, error) {
	f.calls.Add(1)
	return f.snap, f.err
}

func newTestPool(accounts ...gateway.Account) *pool.Pool {
	state := &gateway.PoolState{Enabled: true, Accounts: accounts}
	return pool.New(state, pool.Options{}, nil, nil)
}

func TestQuotaSyncRefreshesStale(t *testing.T) {
	t.Parallel()

	p := newTestPool(gateway.Account{ID: "a1", Active: true})
	usage := &fakeUsage{snap: &gateway.QuotaSnapshot{
		Premium:   gateway.QuotaBucket{Remaining: 50, Entitlement: 100, PercentRemaining: 50},
		FetchedAt: time.Now(),
	}}
	w := NewQuotaSyncWorker(p, &fakeTokens{}, usage)

	w.syncStale(context.Background())

	if usage.calls.Load() != 1 {
		t.Fatalf("usage calls = %d", usage.calls.Load())
	}
	acct, ok := p.Get("a1")
	if !ok || acct.Quota == nil || acct.Quota.Premium.Remaining != 50 {
		t.Errorf("quota not applied: %+v", acct)
	}

	// Fresh snapshot: second pass fetches nothing.
	w.syncStale(context.Background())
	if usage.calls.Load() != 1 {
		t.Errorf("fresh account re-fetched, calls = %d", usage.calls.Load())
	}
}

func TestQuotaSyncSkipsFailingAccount(t *testing.T) {
	t.Parallel()

	p := newTestPool(
		gateway.Account{ID: "bad", Active: true},
		gateway.Account{ID: "good", Active: true},
	)
	usage := &fakeUsage{snap: &gateway.QuotaSnapshot{FetchedAt: time.Now()}}
	w := NewQuotaSyncWorker(p, &fakeTokens{}, usage)

	// Token failures are per-account; both get attempted even when the
	// first errors out.
	failing := &fakeTokens{err: errors.New("exchange failed")}
	w.tokens = failing
	w.syncStale(context.Background())
	if usage.calls.Load() != 0 {
		t.Errorf("usage fetched despite token failure")
	}

	w.tokens = &fakeTokens{}
	w.syncStale(context.Background())
	if usage.calls.Load() != 2 {
		t.Errorf("usage calls = %d, want 2", usage.calls.Load())
	}
}

func TestQuotaSyncWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	p := newTestPool()
	w := NewQuotaSyncWorker(p, &fakeTokens{}, &fakeUsage{})
	w.every = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
