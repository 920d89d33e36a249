package upstream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

// APIError is a normalized upstream error response. Headers carries only the
// curated set that may be forwarded to clients.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Headers    http.Header
}

// Error returns a formatted error string including status and message.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Kind classifies the error for pool bookkeeping.
func (e *APIError) Kind() gateway.ErrorKind {
	switch {
	case e.IsQuota():
		return gateway.ErrorKindQuota
	case e.StatusCode == http.StatusTooManyRequests:
		return gateway.ErrorKindRateLimit
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return gateway.ErrorKindAuth
	default:
		return gateway.ErrorKindOther
	}
}

// IsQuota reports whether the error indicates exhausted quota. Quota errors
// are remapped from 429 to 402 on egress so agent clients stop retrying.
func (e *APIError) IsQuota() bool {
	switch e.Code {
	case "quota_exceeded", "insufficient_quota":
		return true
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "no quota") || strings.Contains(lower, "quota exceeded")
}

// IsModelNotSupported reports whether the error indicates the model does not
// accept the requested endpoint.
func (e *APIError) IsModelNotSupported() bool {
	if e.Code == "model_not_supported" || e.Code == "unsupported_endpoint" {
		return true
	}
	lower := strings.ToLower(e.Message)
	return strings.Contains(lower, "not supported") && strings.Contains(lower, "model")
}

// RetryAfter parses the retry-after header (seconds or HTTP-date). Zero when
// absent or unparseable.
func (e *APIError) RetryAfter() time.Duration {
	v := e.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// forwardedHeaders is the curated set copied off upstream error responses.
var forwardedHeaders = []string{
	"Retry-After",
	"Www-Authenticate",
	"X-Request-Id",
	"X-Github-Request-Id",
}

// ParseAPIError reads an error response body (up to 8KB) and normalizes it.
// Some upstream errors double-wrap: the message field itself is a JSON
// string containing another {error: {message, code}}. One layer is unwrapped
// when detected.
func ParseAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	e := &APIError{
		StatusCode: resp.StatusCode,
		Headers:    make(http.Header),
	}
	for _, name := range forwardedHeaders {
		if v := resp.Header.Get(name); v != "" {
			e.Headers.Set(name, v)
		}
	}
	for name, vals := range resp.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-ratelimit-") && len(vals) > 0 {
			e.Headers.Set(name, vals[0])
		}
	}

	e.Message, e.Code = extractError(body)
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

func extractError(body []byte) (message, code string) {
	root := gjson.ParseBytes(body)
	errObj := root.Get("error")
	if !errObj.Exists() {
		return root.Get("message").String(), root.Get("code").String()
	}
	message = errObj.Get("message").String()
	code = errObj.Get("code").String()

	// Double-wrapped: message is itself a serialized {error: {...}}.
	if inner := gjson.Get(message, "error"); inner.Exists() {
		if m := inner.Get("message").String(); m != "" {
			message = m
		}
		if c := inner.Get("code").String(); c != "" {
			code = c
		}
	}
	return message, code
}
