package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
)

const (
	integrationID  = "shadowfax"
	editorVersion  = "shadowfax/1.0.0"
	userAgent      = "shadowfax/1.0.0"
	defaultAPIVers = "2025-05-01"
)

// DispatchMeta carries the per-call header inputs.
type DispatchMeta struct {
	SessionToken string
	SessionID    string
	Initiator    string // "agent" or "user"
	Vision       bool
}

// Initiator derives the X-Initiator value from the conversation: agent when
// the most recent message is an assistant or tool turn.
func Initiator(msgs []gateway.Message) string {
	if len(msgs) == 0 {
		return "user"
	}
	switch msgs[len(msgs)-1].Role {
	case "assistant", "tool":
		return "agent"
	}
	return "user"
}

// HasVision reports whether any message carries an image part.
func HasVision(msgs []gateway.Message) bool {
	for _, m := range msgs {
		if m.Content.HasImage() {
			return true
		}
	}
	return false
}

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID returns a deterministic machine identifier: the SHA-256 of the
// first non-trivial MAC address, hex-encoded. Falls back to a fixed string
// when no interface qualifies.
func MachineID() string {
	machineIDOnce.Do(func() {
		machineID = computeMachineID()
	})
	return machineID
}

func computeMachineID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			sum := sha256.Sum256([]byte(iface.HardwareAddr.String()))
			return hex.EncodeToString(sum[:])
		}
	}
	sum := sha256.Sum256([]byte("shadowfax-fallback"))
	return hex.EncodeToString(sum[:])
}

// applyHeaders sets the outbound upstream header set.
func (c *Client) applyHeaders(r *http.Request, meta DispatchMeta) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+meta.SessionToken)
	r.Header.Set("Integration-Id", integrationID)
	r.Header.Set("Editor-Version", editorVersion)
	r.Header.Set("User-Agent", userAgent)
	r.Header.Set("X-Api-Version", c.apiVersion)
	r.Header.Set("X-Request-Id", uuid.NewString())
	r.Header.Set("Machine-Id", MachineID())
	if meta.SessionID != "" {
		r.Header.Set("Session-Id", meta.SessionID)
	}
	if meta.Initiator != "" {
		r.Header.Set("X-Initiator", meta.Initiator)
	}
	if meta.Vision {
		r.Header.Set("Vision-Request", "true")
	}
}
