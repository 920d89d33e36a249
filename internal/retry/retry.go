// Package retry wraps upstream dispatch with bounded exponential backoff.
// Transient failures (429, 5xx, network-class errors) are retried; quota
// exhaustion, client errors, and context cancellation are not.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/eugener/shadowfax/internal/upstream"
)

const (
	defaultMaxTries = 3
	initialInterval = 500 * time.Millisecond
	maxInterval     = 8 * time.Second
	randomization   = 0.1
)

// Policy bounds retry behavior for one dispatch.
type Policy struct {
	MaxTries uint
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy returns the standard dispatch policy: 3 attempts, 500ms
// initial interval doubling to an 8s cap with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxTries: defaultMaxTries, Initial: initialInterval, Max: maxInterval}
}

// Do runs op with backoff until it succeeds, exhausts the attempt budget, or
// fails permanently. A Retry-After hint from the upstream overrides the
// computed interval, capped at the policy maximum.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if !Transient(err) {
			return v, backoff.Permanent(err)
		}
		slog.Debug("retrying upstream dispatch", "attempt", attempt, "error", err)
		if d := hintedDelay(err, p.Max); d > 0 {
			return v, backoff.RetryAfter(int(d.Seconds()))
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.RandomizationFactor = randomization

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
	)
}

// retryableStatuses are upstream statuses worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Transient reports whether err is worth retrying against the same account.
// Quota exhaustion is excluded: retrying cannot help until the pool rotates.
func Transient(err error) bool {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsQuota() {
			return false
		}
		return retryableStatuses[apiErr.StatusCode]
	}
	return upstream.IsNetworkError(err)
}

// hintedDelay extracts a Retry-After hint, capped at max. Sub-second hints
// round up to one second so the hint is never silently dropped.
func hintedDelay(err error, max time.Duration) time.Duration {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	d := apiErr.RetryAfter()
	if d <= 0 {
		return 0
	}
	if d > max {
		return max
	}
	if d < time.Second {
		return time.Second
	}
	return d
}
