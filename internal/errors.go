package gateway

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadRequest    = errors.New("bad request")
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrQueueFull     = errors.New("queue full")
	ErrQueueTimeout  = errors.New("queued request timed out")
	ErrQueueCleared  = errors.New("queue cleared")
	ErrNoAccounts    = errors.New("no accounts available")
	ErrUpstream      = errors.New("upstream error")
	ErrOverloaded    = errors.New("overloaded")
)
