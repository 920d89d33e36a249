package pool

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

// RefreshInterval is how long a quota snapshot stays fresh.
const RefreshInterval = 5 * time.Minute

// autoPauseThreshold is the effective percent at or below which an account
// is paused for quota, and above which a quota-paused account resumes.
const autoPauseThreshold = 5.0

// NeedsRefresh reports whether the account's quota snapshot is missing or
// older than the refresh interval.
func NeedsRefresh(a *gateway.Account, now time.Time) bool {
	return a.Quota == nil || now.Sub(a.Quota.FetchedAt) > RefreshInterval
}

// EffectivePercent returns the account's effective remaining quota percent:
// 100 when unknown or fully unlimited, otherwise the minimum of the
// non-unlimited chat and premium bucket percentages. The completions bucket
// is not used in selection.
func EffectivePercent(a *gateway.Account) float64 {
	q := a.Quota
	if q == nil {
		return 100
	}
	if q.Chat.Unlimited && q.Premium.Unlimited {
		return 100
	}
	pct := 100.0
	if !q.Chat.Unlimited && q.Chat.PercentRemaining < pct {
		pct = q.Chat.PercentRemaining
	}
	if !q.Premium.Unlimited && q.Premium.PercentRemaining < pct {
		pct = q.Premium.PercentRemaining
	}
	return pct
}

// ApplyQuota writes a fetched snapshot onto the pool's copy of the account,
// looked up by ID so a concurrent pool mutation cannot race the fetch. It
// then re-evaluates the auto-pause rule across the whole pool.
func (p *Pool) ApplyQuota(ctx context.Context, id string, snap *gateway.QuotaSnapshot) {
	p.mu.Lock()
	if a := p.byID(id); a != nil {
		a.Quota = snap
	}
	events, rotated, hook := p.evaluateAutoPauseLocked()
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

// evaluateAutoPauseLocked applies the auto-pause/unpause rule to every
// account not manually paused. Callers hold p.mu. Returns pending events
// and, when a rotation fired, the new current account plus identity hook.
func (p *Pool) evaluateAutoPauseLocked() (events []gateway.Event, rotated gateway.Account, hook func(gateway.Account)) {
	changed := false
	for i := range p.state.Accounts {
		a := &p.state.Accounts[i]
		if a.Paused && a.PauseReason == gateway.PauseManual {
			continue
		}
		pct := EffectivePercent(a)
		switch {
		case pct <= autoPauseThreshold && !a.Paused:
			a.Paused = true
			a.PauseReason = gateway.PauseQuota
			changed = true
			events = append(events, gateway.Event{Kind: gateway.EventPaused, Account: a.Label, Detail: "quota low"})

			cur := p.currentLocked()
			if cur != nil && cur.ID == a.ID && p.opts.AutoRotate && pct <= p.opts.AutoRotateThreshold {
				p.invalidate()
				if next := p.rotateLocked(a.ID); next != nil {
					rotated = *next
					hook = p.identityHook
					events = append(events, gateway.Event{Kind: gateway.EventRotated, Account: next.Label})
				}
			}
		case pct > autoPauseThreshold && a.Paused && a.PauseReason == gateway.PauseQuota:
			a.Paused = false
			a.PauseReason = ""
			changed = true
			events = append(events, gateway.Event{Kind: gateway.EventResumed, Account: a.Label})
		}
	}
	if changed {
		p.invalidate()
	}
	return events, rotated, hook
}

// CheckMonthlyReset compares the current calendar month against the
// persisted last-observed month. On a new month it clears all quota pauses
// and snapshots. Returns true when a reset happened (the caller should
// schedule a fresh fetch-all).
func (p *Pool) CheckMonthlyReset(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	month := now.Year()*12 + int(now.Month())
	if p.state.LastResetMonth == 0 {
		p.state.LastResetMonth = month
		p.persist()
		return false
	}
	if month <= p.state.LastResetMonth {
		return false
	}
	p.state.LastResetMonth = month
	for i := range p.state.Accounts {
		a := &p.state.Accounts[i]
		if a.Paused && a.PauseReason == gateway.PauseQuota {
			a.Paused = false
			a.PauseReason = ""
		}
		a.Quota = nil
	}
	p.invalidate()
	p.persist()
	slog.Info("monthly quota reset", "month", month)
	return true
}

// StaleAccounts returns copies of accounts whose snapshots need refreshing.
func (p *Pool) StaleAccounts(now time.Time) []gateway.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []gateway.Account
	for i := range p.state.Accounts {
		a := &p.state.Accounts[i]
		if a.Active && NeedsRefresh(a, now) {
			out = append(out, *a)
		}
	}
	return out
}
