package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestDisabledAdmitsImmediately(t *testing.T) {
	t.Parallel()

	q := New(false, 1, 1, time.Second)
	for i := 0; i < 10; i++ {
		id, err := q.Acquire(context.Background(), TypeChat, 0)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if id == "" {
			t.Fatal("empty id")
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	q := New(true, 2, 10, time.Minute)

	id1, err := q.Acquire(context.Background(), TypeChat, 0)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := q.Acquire(context.Background(), TypeChat, 0); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	// Third caller must block until a slot is released.
	admitted := make(chan struct{})
	go func() {
		if _, err := q.Acquire(context.Background(), TypeChat, 0); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("third request admitted over the concurrency bound")
	case <-time.After(50 * time.Millisecond):
	}

	q.Release(id1)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("pending request not admitted after release")
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 1, time.Minute)
	if _, err := q.Acquire(context.Background(), TypeChat, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// One pending slot fills.
	go q.Acquire(context.Background(), TypeChat, 0)
	waitPending(t, q, 1)

	_, err := q.Acquire(context.Background(), TypeChat, 0)
	if !errors.Is(err, gateway.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if q.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", q.Stats().Rejected)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 10, 30*time.Millisecond)
	if _, err := q.Acquire(context.Background(), TypeChat, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := q.Acquire(context.Background(), TypeChat, 0)
	if !errors.Is(err, gateway.ErrQueueTimeout) {
		t.Fatalf("err = %v, want ErrQueueTimeout", err)
	}
	if q.Stats().TimedOut != 1 {
		t.Errorf("TimedOut = %d, want 1", q.Stats().TimedOut)
	}
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 10, time.Minute)
	holder, err := q.Acquire(context.Background(), TypeChat, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i, p := range []int{1, 5, 3} {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Acquire(context.Background(), TypeChat, p)
			if err != nil {
				t.Errorf("Acquire(p=%d): %v", p, err)
				return
			}
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			q.Release(id)
		}()
		waitPending(t, q, i+1)
	}

	q.Release(holder)
	wg.Wait()

	want := []int{5, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
}

func TestClearRejectsPending(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 10, time.Minute)
	if _, err := q.Acquire(context.Background(), TypeChat, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := q.Acquire(context.Background(), TypeChat, 0)
		errc <- err
	}()
	waitPending(t, q, 1)

	q.Clear()
	if err := <-errc; !errors.Is(err, gateway.ErrQueueCleared) {
		t.Fatalf("err = %v, want ErrQueueCleared", err)
	}
}

func TestPauseRejectsAndResumeAdmits(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 10, time.Minute)
	holder, err := q.Acquire(context.Background(), TypeChat, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := q.Acquire(context.Background(), TypeChat, 0)
		errc <- err
	}()
	waitPending(t, q, 1)

	q.Pause()
	if err := <-errc; !errors.Is(err, gateway.ErrQueueCleared) {
		t.Fatalf("pause rejection err = %v, want ErrQueueCleared", err)
	}

	// While paused, a release does not admit; resume does.
	go func() {
		_, err := q.Acquire(context.Background(), TypeChat, 0)
		errc <- err
	}()
	waitPending(t, q, 1)
	q.Release(holder)

	select {
	case err := <-errc:
		t.Fatalf("admitted while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	if err := <-errc; err != nil {
		t.Fatalf("post-resume err = %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	q := New(true, 1, 10, time.Minute)
	if _, err := q.Acquire(context.Background(), TypeChat, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, TypeChat, 0)
		errc <- err
	}()
	waitPending(t, q, 1)

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := q.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d after cancel, want 0", got)
	}
}

func waitPending(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Stats().Pending >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending never reached %d", n)
}
