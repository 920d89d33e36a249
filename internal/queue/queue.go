// Package queue implements the bounded-concurrency admission gate. Callers
// block in Acquire until a slot opens; each pending request carries its own
// timeout, and pause/clear reject everything waiting. Admission pops the
// highest priority first, FIFO within a priority band.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

// RequestType tags what kind of request occupies a slot.
type RequestType string

const (
	TypeChat      RequestType = "chat"
	TypeMessage   RequestType = "message"
	TypeEmbedding RequestType = "embedding"
)

type item struct {
	id         string
	typ        RequestType
	priority   int
	enqueuedAt time.Time
	admit      chan error
	timer      *time.Timer
}

// Stats is the queue's observability block.
type Stats struct {
	Running       int
	Pending       int
	TotalEnqueued int64
	TotalAdmitted int64
	TimedOut      int64
	Rejected      int64
	Cleared       int64
	AvgWaitMs     float64
	AvgProcessMs  float64
}

// Queue is the process-wide admission gate.
type Queue struct {
	mu            sync.Mutex
	enabled       bool
	maxConcurrent int
	maxSize       int
	timeout       time.Duration
	paused        bool

	running int
	pending []*item
	started map[string]time.Time

	totalEnqueued int64
	totalAdmitted int64
	timedOut      int64
	rejected      int64
	cleared       int64
	waitTotal     time.Duration
	processTotal  time.Duration
	processCount  int64

	now func() time.Time
}

// New creates a Queue. A nil-equivalent configuration (enabled=false)
// admits everything immediately.
func New(enabled bool, maxConcurrent, maxSize int, timeout time.Duration) *Queue {
	return &Queue{
		enabled:       enabled,
		maxConcurrent: maxConcurrent,
		maxSize:       maxSize,
		timeout:       timeout,
		started:       make(map[string]time.Time),
		now:           time.Now,
	}
}

// Acquire blocks until the request is admitted, then returns its slot id.
// Returns ErrQueueFull when the pending list is at capacity, ErrQueueTimeout
// when the per-item timeout fires first, ErrQueueCleared on pause/clear, and
// the context error on caller cancellation. Every admitted id must be
// released exactly once.
func (q *Queue) Acquire(ctx context.Context, typ RequestType, priority int) (string, error) {
	id := uuid.NewString()

	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return id, nil
	}
	q.totalEnqueued++
	if !q.paused && q.running < q.maxConcurrent && len(q.pending) == 0 {
		q.admitLocked(id, 0)
		q.mu.Unlock()
		return id, nil
	}
	if len(q.pending) >= q.maxSize {
		q.rejected++
		q.mu.Unlock()
		return "", gateway.ErrQueueFull
	}

	it := &item{
		id:         id,
		typ:        typ,
		priority:   priority,
		enqueuedAt: q.now(),
		admit:      make(chan error, 1),
	}
	it.timer = time.AfterFunc(q.timeout, func() { q.expire(it) })
	q.pending = append(q.pending, it)
	q.mu.Unlock()

	select {
	case err := <-it.admit:
		if err != nil {
			return "", err
		}
		return id, nil
	case <-ctx.Done():
		q.withdraw(it)
		// The admission may have raced the cancel; if it did, hand the slot
		// back so the running count stays correct.
		select {
		case err := <-it.admit:
			if err == nil {
				q.Release(id)
			}
		default:
		}
		return "", ctx.Err()
	}
}

// Release frees the slot held by id and admits the next pending request.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	startedAt, ok := q.started[id]
	if !ok {
		return
	}
	delete(q.started, id)
	q.running--
	q.processTotal += q.now().Sub(startedAt)
	q.processCount++
	q.admitNextLocked()
}

// admitLocked marks id running. wait is how long the request sat pending.
func (q *Queue) admitLocked(id string, wait time.Duration) {
	q.running++
	q.totalAdmitted++
	q.waitTotal += wait
	q.started[id] = q.now()
}

// admitNextLocked pops the highest-priority pending item, earliest first
// within a band, and unblocks its caller.
func (q *Queue) admitNextLocked() {
	if q.paused || q.running >= q.maxConcurrent || len(q.pending) == 0 {
		return
	}
	best := 0
	for i, it := range q.pending {
		if it.priority > q.pending[best].priority {
			best = i
		}
	}
	it := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	it.timer.Stop()
	q.admitLocked(it.id, q.now().Sub(it.enqueuedAt))
	it.admit <- nil
}

// expire removes a timed-out item and rejects its caller.
func (q *Queue) expire(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(it) {
		return
	}
	q.timedOut++
	it.admit <- gateway.ErrQueueTimeout
}

// withdraw removes a cancelled item without delivering an error.
func (q *Queue) withdraw(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removeLocked(it) {
		it.timer.Stop()
	}
}

func (q *Queue) removeLocked(target *item) bool {
	for i, it := range q.pending {
		if it == target {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pause stops admission and rejects everything currently pending.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.rejectPendingLocked(fmt.Errorf("queue paused: %w", gateway.ErrQueueCleared))
}

// Resume re-enables admission and drains pending into free slots.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	for q.running < q.maxConcurrent && len(q.pending) > 0 {
		q.admitNextLocked()
	}
}

// Clear rejects everything currently pending.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejectPendingLocked(gateway.ErrQueueCleared)
}

func (q *Queue) rejectPendingLocked(err error) {
	for _, it := range q.pending {
		it.timer.Stop()
		q.cleared++
		it.admit <- err
	}
	q.pending = nil
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Running:       q.running,
		Pending:       len(q.pending),
		TotalEnqueued: q.totalEnqueued,
		TotalAdmitted: q.totalAdmitted,
		TimedOut:      q.timedOut,
		Rejected:      q.rejected,
		Cleared:       q.cleared,
	}
	if q.totalAdmitted > 0 {
		s.AvgWaitMs = float64(q.waitTotal.Milliseconds()) / float64(q.totalAdmitted)
	}
	if q.processCount > 0 {
		s.AvgProcessMs = float64(q.processTotal.Milliseconds()) / float64(q.processCount)
	}
	return s
}
