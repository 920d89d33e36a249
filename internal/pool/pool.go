// Package pool manages the upstream credential pool: selection strategies,
// rotation on failure, quota tracking, and persistence of pool state.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// Saver persists pool state. Implemented by the store package.
type Saver interface {
	Save(*gateway.PoolState)
}

// Options configures pool behavior.
type Options struct {
	Strategy            string // sticky, round-robin, quota-based, hybrid
	AutoRotate          bool
	AutoRotateThreshold float64       // percent; rotation on quota pause fires at or below this
	AutoRotateCooldown  time.Duration // minimum gap between auto-rotations
	ErrorThreshold      int64         // "other" errors before rotation
}

// Pool owns all credential records. Every mutation goes through its
// serialized entry points so concurrent dispatches observe a consistent
// {sticky, cursor, last-selected} triple.
type Pool struct {
	mu    sync.Mutex
	state *gateway.PoolState
	opts  Options

	store    Saver
	notifier gateway.Notifier

	// active is the cached eligible set, invalidated on any state
	// transition that could change membership.
	active      []*gateway.Account
	activeValid bool

	// identityHook observes the current account after selection changes;
	// the upstream client uses it to refresh its ambient session identity.
	identityHook func(gateway.Account)

	now func() time.Time // test seam
}

// defaultRateLimitBackoff applies when a rate-limit report carries no reset.
const defaultRateLimitBackoff = 60 * time.Second

// New creates a Pool over the given persisted state.
func New(state *gateway.PoolState, opts Options, store Saver, notifier gateway.Notifier) *Pool {
	if opts.Strategy == "" {
		opts.Strategy = state.Strategy
	}
	if opts.Strategy == "" {
		opts.Strategy = "sticky"
	}
	state.Strategy = opts.Strategy
	return &Pool{
		state:    state,
		opts:     opts,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetIdentityHook registers the hook invoked (outside the pool lock) when
// the current account changes.
func (p *Pool) SetIdentityHook(fn func(gateway.Account)) {
	p.mu.Lock()
	p.identityHook = fn
	p.mu.Unlock()
}

// Len returns the number of accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state.Accounts)
}

// List returns copies of all accounts.
func (p *Pool) List() []gateway.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gateway.Account, len(p.state.Accounts))
	copy(out, p.state.Accounts)
	return out
}

// Add introduces a credential. Existing accounts with the same ID are
// replaced in place, keeping their position and counters.
func (p *Pool) Add(acct gateway.Account) {
	p.mu.Lock()
	acct.Active = true
	replaced := false
	for i := range p.state.Accounts {
		if p.state.Accounts[i].ID == acct.ID {
			acct.RequestCount = p.state.Accounts[i].RequestCount
			acct.ErrorCount = p.state.Accounts[i].ErrorCount
			p.state.Accounts[i] = acct
			replaced = true
			break
		}
	}
	if !replaced {
		p.state.Accounts = append(p.state.Accounts, acct)
	}
	p.invalidate()
	p.persist()
	p.mu.Unlock()
}

// Remove deletes an account by ID.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.state.Accounts {
		if p.state.Accounts[i].ID == id {
			p.state.Accounts = append(p.state.Accounts[:i], p.state.Accounts[i+1:]...)
			if p.state.StickyID == id {
				p.state.StickyID = ""
			}
			if p.state.LastSelectedID == id {
				p.state.LastSelectedID = ""
			}
			p.invalidate()
			p.persist()
			return true
		}
	}
	return false
}

// Get returns a copy of the account with the given ID.
func (p *Pool) Get(id string) (gateway.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.byID(id); a != nil {
		return *a, true
	}
	return gateway.Account{}, false
}

// Pause marks an account paused with the given reason.
func (p *Pool) Pause(id string, reason gateway.PauseReason) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.byID(id)
	if a == nil {
		return false
	}
	a.Paused = true
	a.PauseReason = reason
	p.invalidate()
	p.persist()
	return true
}

// Resume clears an account's paused flag.
func (p *Pool) Resume(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.byID(id)
	if a == nil {
		return false
	}
	a.Paused = false
	a.PauseReason = ""
	p.invalidate()
	p.persist()
	return true
}

// MarkUsed records a dispatch against the account.
func (p *Pool) MarkUsed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.byID(id); a != nil {
		a.RequestCount++
		a.LastUsedAt = p.now()
		p.persist()
	}
}

// UpdateSession writes a refreshed session token back onto the account.
func (p *Pool) UpdateSession(id, token string, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.byID(id); a != nil {
		a.SessionToken = token
		a.SessionExpiresAt = expiresAt
		p.persist()
	}
}

// Deactivate marks an account inactive (failed token exchange or upstream
// auth rejection).
func (p *Pool) Deactivate(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.byID(id); a != nil {
		a.Active = false
		p.invalidate()
		p.persist()
	}
}

// Select returns the account chosen by the configured strategy, or false
// when the active set is empty even after expired rate limits are reset.
func (p *Pool) Select() (gateway.Account, bool) {
	p.mu.Lock()
	a := p.selectLocked()
	var (
		out  gateway.Account
		ok   bool
		hook func(gateway.Account)
	)
	if a != nil {
		p.state.LastSelectedID = a.ID
		out, ok = *a, true
		hook = p.identityHook
	}
	p.mu.Unlock()
	if hook != nil {
		hook(out)
	}
	return out, ok
}

// selectLocked dispatches on strategy. Callers hold p.mu.
func (p *Pool) selectLocked() *gateway.Account {
	active := p.activeSet()
	if len(active) == 0 {
		if a := p.resetExpiredRateLimits(); a != nil {
			return a
		}
		return nil
	}

	switch p.opts.Strategy {
	case "round-robin":
		a := active[p.state.Cursor%len(active)]
		p.state.Cursor++
		p.persist()
		return a
	case "quota-based":
		best := active[0]
		for _, a := range active[1:] {
			if EffectivePercent(a) > EffectivePercent(best) {
				best = a
			}
		}
		return best
	default: // sticky, hybrid
		for _, a := range active {
			if a.ID == p.state.StickyID {
				return a
			}
		}
		a := active[0]
		p.state.StickyID = a.ID
		p.persist()
		return a
	}
}

// Current returns the account treated as "current": last selected, else
// sticky, else a fresh selection.
func (p *Pool) Current() (gateway.Account, bool) {
	p.mu.Lock()
	a := p.currentLocked()
	if a != nil {
		out := *a
		p.mu.Unlock()
		return out, true
	}
	p.mu.Unlock()
	return p.Select()
}

func (p *Pool) currentLocked() *gateway.Account {
	if a := p.byID(p.state.LastSelectedID); a != nil {
		return a
	}
	return p.byID(p.state.StickyID)
}

// SetCurrent pins selection to the given account.
func (p *Pool) SetCurrent(id string) bool {
	p.mu.Lock()
	a := p.byID(id)
	if a == nil {
		p.mu.Unlock()
		return false
	}
	p.state.StickyID = id
	p.state.LastSelectedID = id
	p.persist()
	out := *a
	hook := p.identityHook
	p.mu.Unlock()
	if hook != nil {
		hook(out)
	}
	return true
}

// FindNextAvailable returns the eligible account with the highest effective
// quota percent, excluding excludeID.
func (p *Pool) FindNextAvailable(excludeID string) (gateway.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findNextLocked(excludeID)
	if a == nil {
		return gateway.Account{}, false
	}
	return *a, true
}

func (p *Pool) findNextLocked(excludeID string) *gateway.Account {
	var best *gateway.Account
	for _, a := range p.activeSet() {
		if a.ID == excludeID {
			continue
		}
		if best == nil || EffectivePercent(a) > EffectivePercent(best) {
			best = a
		}
	}
	return best
}

// ReportError records an upstream failure against the current account and
// applies the per-kind state transition. resetAt is honored for rate limits
// when non-zero.
func (p *Pool) ReportError(ctx context.Context, kind gateway.ErrorKind, resetAt time.Time) {
	p.mu.Lock()
	a := p.currentLocked()
	if a == nil {
		a = p.selectLocked()
	}
	if a == nil {
		p.mu.Unlock()
		return
	}

	a.ErrorCount++
	a.LastErrorKind = kind

	var events []gateway.Event
	switch kind {
	case gateway.ErrorKindRateLimit:
		a.RateLimited = true
		if resetAt.IsZero() {
			resetAt = p.now().Add(defaultRateLimitBackoff)
		}
		a.RateLimitResetAt = resetAt
		events = append(events, gateway.Event{Kind: gateway.EventRateLimited, Account: a.Label,
			Detail: "reset at " + resetAt.Format(time.RFC3339)})
	case gateway.ErrorKindQuota:
		a.Paused = true
		a.PauseReason = gateway.PauseQuota
		a.RateLimited = false
		a.RateLimitResetAt = time.Time{}
		events = append(events, gateway.Event{Kind: gateway.EventPaused, Account: a.Label, Detail: "quota exhausted"})
	case gateway.ErrorKindAuth:
		a.Active = false
		events = append(events, gateway.Event{Kind: gateway.EventAuthFailed, Account: a.Label})
	}
	p.invalidate()

	rotate := false
	switch {
	case p.opts.Strategy == "hybrid":
		rotate = true
	case kind == gateway.ErrorKindRateLimit, kind == gateway.ErrorKindQuota:
		rotate = true
	case kind == gateway.ErrorKindOther:
		rotate = p.opts.ErrorThreshold > 0 && a.ErrorCount >= p.opts.ErrorThreshold
	}

	var hook func(gateway.Account)
	var rotated gateway.Account
	if rotate && p.opts.AutoRotate {
		if next := p.rotateLocked(a.ID); next != nil {
			rotated = *next
			hook = p.identityHook
			events = append(events, gateway.Event{Kind: gateway.EventRotated, Account: next.Label,
				Detail: "rotated away from " + a.Label})
		}
	}
	p.persist()
	notifier := p.notifier
	p.mu.Unlock()

	if hook != nil {
		hook(rotated)
	}
	if notifier != nil {
		for _, ev := range events {
			notifier.Notify(ctx, ev)
		}
	}
}

// Rotate forces rotation away from the current account, bypassing the
// trigger rules but still honoring the cooldown.
func (p *Pool) Rotate(ctx context.Context) (gateway.Account, bool) {
	p.mu.Lock()
	cur := p.currentLocked()
	var excludeID string
	if cur != nil {
		excludeID = cur.ID
	}
	next := p.rotateLocked(excludeID)
	if next == nil {
		p.mu.Unlock()
		return gateway.Account{}, false
	}
	out := *next
	hook := p.identityHook
	notifier := p.notifier
	p.persist()
	p.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	if notifier != nil {
		notifier.Notify(ctx, gateway.Event{Kind: gateway.EventRotated, Account: out.Label})
	}
	return out, true
}

// rotateLocked performs the rotation bookkeeping: cooldown check, next
// selection by quota rank, and sticky/cursor/last-rotation updates.
func (p *Pool) rotateLocked(excludeID string) *gateway.Account {
	now := p.now()
	if p.opts.AutoRotateCooldown > 0 && !p.state.LastRotationAt.IsZero() &&
		now.Sub(p.state.LastRotationAt) < p.opts.AutoRotateCooldown {
		return nil
	}
	next := p.findNextLocked(excludeID)
	if next == nil {
		return nil
	}
	p.state.StickyID = next.ID
	p.state.LastSelectedID = next.ID
	p.state.LastRotationAt = now
	for i, a := range p.activeSet() {
		if a.ID == next.ID {
			p.state.Cursor = i
			break
		}
	}
	slog.Info("pool rotated", "to", next.Label)
	return next
}

// resetExpiredRateLimits reactivates accounts whose rate-limit window has
// passed and returns the first such account, or nil.
func (p *Pool) resetExpiredRateLimits() *gateway.Account {
	now := p.now()
	var first *gateway.Account
	for i := range p.state.Accounts {
		a := &p.state.Accounts[i]
		if a.RateLimited && !a.RateLimitResetAt.IsZero() && now.After(a.RateLimitResetAt) {
			a.RateLimited = false
			a.RateLimitResetAt = time.Time{}
			if first == nil && a.Eligible() {
				first = a
			}
		}
	}
	if first != nil {
		p.invalidate()
		p.persist()
	}
	return first
}

// activeSet returns the cached eligible set, rebuilding it if invalid.
// Callers hold p.mu.
func (p *Pool) activeSet() []*gateway.Account {
	if p.activeValid {
		return p.active
	}
	p.active = p.active[:0]
	for i := range p.state.Accounts {
		if p.state.Accounts[i].Eligible() {
			p.active = append(p.active, &p.state.Accounts[i])
		}
	}
	p.activeValid = true
	return p.active
}

// byID looks an account up by ID. Callers hold p.mu.
func (p *Pool) byID(id string) *gateway.Account {
	if id == "" {
		return nil
	}
	for i := range p.state.Accounts {
		if p.state.Accounts[i].ID == id {
			return &p.state.Accounts[i]
		}
	}
	return nil
}

// invalidate drops the cached active set. Callers hold p.mu.
// Append-only mutations also invalidate: the cache holds pointers into the
// accounts slice, which append may reallocate.
func (p *Pool) invalidate() { p.activeValid = false }

// persist saves state best-effort. Callers hold p.mu.
func (p *Pool) persist() {
	if p.store != nil {
		p.store.Save(p.state)
	}
}

// Snapshot returns a deep-enough copy of the pool state for admin views.
func (p *Pool) Snapshot() gateway.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *p.state
	out.Accounts = make([]gateway.Account, len(p.state.Accounts))
	copy(out.Accounts, p.state.Accounts)
	return out
}
