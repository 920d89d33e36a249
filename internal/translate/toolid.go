package translate

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/maypok86/otter/v2"
)

// Tool-call ids cross two conventions: clients expect OpenAI-style call_*
// ids, upstream issues arbitrary strings. Encoding is deterministic
// (call_x_<base64url>) so the round-trip survives process restarts; the LRU
// map is a recency-refreshing fallback for ids that predate the scheme.

const (
	callPrefix    = "call_"
	encodedPrefix = "call_x_"
	idMapCapacity = 10_000
)

// IDMapper normalizes upstream tool-call ids to client-safe form and back.
type IDMapper struct {
	recent *otter.Cache[string, string] // encoded -> original
}

// NewIDMapper creates an IDMapper with a bounded LRU memory.
func NewIDMapper() (*IDMapper, error) {
	c, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize: idMapCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("create tool-id cache: %w", err)
	}
	return &IDMapper{recent: c}, nil
}

// Normalize converts an upstream-issued id to client-safe form. Ids already
// in the call_ convention pass through unchanged.
func (m *IDMapper) Normalize(id string) string {
	if strings.HasPrefix(id, callPrefix) {
		return id
	}
	encoded := encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(id))
	m.recent.Set(encoded, id)
	return encoded
}

// Denormalize recovers the upstream id a client echoed back. The
// deterministic decoding is preferred; the LRU lookup is a fallback, and a
// hit refreshes the entry's recency.
func (m *IDMapper) Denormalize(id string) string {
	if strings.HasPrefix(id, encodedPrefix) {
		if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(id, encodedPrefix)); err == nil {
			return string(raw)
		}
	}
	if original, ok := m.recent.GetIfPresent(id); ok {
		return original
	}
	return id
}
