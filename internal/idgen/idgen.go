// Package idgen centralizes identifier generation for the substrate.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// Short returns a 12-hex-character identifier, suitable for task/delegation
// IDs that are embedded in session keys and log lines.
func Short() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// UUID fragment rather than panicking.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return hex.EncodeToString(buf[:])
}

// ValidTaskID reports whether id matches the scheduled-task ID grammar
// `[A-Za-z0-9_]{1,32}`.
func ValidTaskID(id string) bool {
	if len(id) == 0 || len(id) > 32 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// SanitizeKey converts a composite key (containing ':' or '/') into a
// filesystem-safe basename, matching the convention used across the file
// stores in this repository.
func SanitizeKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(key)
}

// SessionKey builds the canonical per-user, per-agent session key.
func SessionKey(agentID, scopeKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, scopeKey)
}
