package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/upstream"
)

// Error type strings in the client-facing error schema.
const (
	errTypeAuth       = "authentication_error"
	errTypeInvalid    = "invalid_request_error"
	errTypeRateLimit  = "rate_limit_error"
	errTypeStream     = "stream_error"
	errTypeQueueFull  = "queue_full"
	errTypeOverloaded = "overloaded_error"
	errTypeGeneric    = "error"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newAPIError(msg, typ, code string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	e.Error.Code = code
	return e
}

// writeError writes the {error:{message,type,code?}} schema.
func writeError(w http.ResponseWriter, status int, typ, msg, code string) {
	writeJSON(w, status, newAPIError(msg, typ, code))
}

// writeRelayError maps a pipeline error to the client. Quota exhaustion is
// remapped from 429 to 402 so agentic clients stop retrying; curated upstream
// headers (Retry-After, rate-limit counters) are forwarded.
func writeRelayError(w http.ResponseWriter, err error) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		for name, vals := range apiErr.Headers {
			if len(vals) > 0 {
				w.Header().Set(name, vals[0])
			}
		}
		status := apiErr.StatusCode
		typ := errTypeGeneric
		switch {
		case apiErr.IsQuota():
			status = http.StatusPaymentRequired
			typ = errTypeRateLimit
			w.Header().Del("Retry-After")
		case status == http.StatusTooManyRequests:
			typ = errTypeRateLimit
		case status == http.StatusBadRequest:
			typ = errTypeInvalid
		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			typ = errTypeAuth
		case status >= 500:
			typ = errTypeOverloaded
		}
		writeError(w, status, typ, apiErr.Message, apiErr.Code)
		return
	}

	status, typ := errorStatus(err)
	writeError(w, status, typ, err.Error(), "")
}

// errorStatus maps pipeline sentinel errors to status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, errTypeAuth
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, errTypeInvalid
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, errTypeInvalid
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, errTypeRateLimit
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusPaymentRequired, errTypeRateLimit
	case errors.Is(err, gateway.ErrQueueFull):
		return http.StatusServiceUnavailable, errTypeQueueFull
	case errors.Is(err, gateway.ErrQueueTimeout), errors.Is(err, gateway.ErrQueueCleared):
		return http.StatusServiceUnavailable, errTypeOverloaded
	case errors.Is(err, gateway.ErrNoAccounts), errors.Is(err, gateway.ErrOverloaded):
		return http.StatusServiceUnavailable, errTypeOverloaded
	default:
		return http.StatusInternalServerError, errTypeGeneric
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
