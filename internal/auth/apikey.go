// Package auth validates client-facing API keys. The accepted set is fixed
// at startup; comparisons are constant-time so key length and prefix never
// leak through response timing.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Keychain holds the accepted client API keys. An empty keychain disables
// authentication.
type Keychain struct {
	hashes [][32]byte
}

// NewKeychain creates a Keychain from the configured key set. Keys are
// stored hashed so a heap dump does not expose them.
func NewKeychain(keys []string) *Keychain {
	k := &Keychain{hashes: make([][32]byte, 0, len(keys))}
	for _, key := range keys {
		if key == "" {
			continue
		}
		k.hashes = append(k.hashes, sha256.Sum256([]byte(key)))
	}
	return k
}

// Enabled reports whether any keys are configured.
func (k *Keychain) Enabled() bool { return len(k.hashes) > 0 }

// Verify reports whether candidate matches a configured key. Every stored
// hash is compared so the walk takes the same time for hits and misses.
func (k *Keychain) Verify(candidate string) bool {
	sum := sha256.Sum256([]byte(candidate))
	ok := 0
	for i := range k.hashes {
		ok |= subtle.ConstantTimeCompare(k.hashes[i][:], sum[:])
	}
	return ok == 1
}

// FromRequest extracts the client key from a request: the x-api-key header
// takes precedence, then an authorization bearer token.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
