package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

// PendingApproval is an operator-visible request awaiting confirmation.
type PendingApproval struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

type pendingEntry struct {
	info   PendingApproval
	result chan bool
}

// Approvals holds requests gated by manual-approve mode until an operator
// resolves them through the admin API.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewApprovals creates an empty approval gate.
func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]*pendingEntry)}
}

// Wait blocks until an operator approves or denies the request, or ctx ends.
// Denial returns ErrBadRequest so the client sees a non-retryable rejection.
func (a *Approvals) Wait(ctx context.Context, model, summary string) error {
	e := &pendingEntry{
		info: PendingApproval{
			ID:        uuid.NewString(),
			Model:     model,
			Summary:   summary,
			CreatedAt: time.Now(),
		},
		result: make(chan bool, 1),
	}
	a.mu.Lock()
	a.pending[e.info.ID] = e
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, e.info.ID)
		a.mu.Unlock()
	}()

	select {
	case ok := <-e.result:
		if !ok {
			return gateway.ErrBadRequest
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns pending approvals, oldest first.
func (a *Approvals) List() []PendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingApproval, 0, len(a.pending))
	for _, e := range a.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve approves or denies a pending request. Returns false for unknown ids.
func (a *Approvals) Resolve(id string, approve bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.pending[id]
	if !ok {
		return false
	}
	select {
	case e.result <- approve:
	default:
	}
	return true
}
