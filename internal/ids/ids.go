// Package ids centralizes identifier generation and validation: every
// identifier in this module is a 128-bit value in canonical hex-dashed
// form (8-4-4-4-12), and every untrusted string that claims to be one
// must pass through Validate before use.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// New generates a fresh random identifier.
func New() string {
	return uuid.NewString()
}

// Validate reports whether s is a well-formed canonical identifier.
func Validate(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Nil is the all-zero identifier used for "no message server yet"
// bootstrap states.
var Nil = uuid.Nil.String()

// pathTraversal and htmlInjection reject channel identifiers (and other
// free-form ids accepted from clients before they're known to be valid
// UUIDs) that attempt to escape their containing path segment or inject
// markup into a rendered log/UI.
var (
	pathTraversalPattern = regexp.MustCompile(`\.\.|[/\\]`)
	htmlInjectionPattern = regexp.MustCompile(`[<>"']`)
)

// ValidateChannelID applies the stricter channel-id gate used by the
// socket router and HTTP routes before a string is trusted as a path
// segment or persistence key: it must be a canonical UUID and must not
// contain path-traversal or HTML-injection characters (the latter check
// is redundant once the UUID check passes, but callers invoke this first
// on raw, not-yet-parsed input).
func ValidateChannelID(s string) bool {
	if s == "" {
		return false
	}
	if pathTraversalPattern.MatchString(s) || htmlInjectionPattern.MatchString(s) {
		return false
	}
	return Validate(s)
}

// DeriveMemoryID builds a stable, deterministic per-agent memory
// identifier from a central message id and the agent's own id, so
// redelivery of the same new_message event to the same agent never
// produces two memories. The derivation must be a pure function of its
// inputs — no randomness, no clock.
func DeriveMemoryID(centralMessageID, agentID string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(centralMessageID) + ":" + strings.ToLower(agentID)))
	// Fold the hash into UUID v5-shaped bytes (RFC 4122 variant/version
	// bits set) so the result is itself a valid canonical identifier.
	b := sum[:16]
	b[6] = (b[6] & 0x0f) | 0x50 // version 5
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	u, err := uuid.FromBytes(b)
	if err != nil {
		// unreachable: b is always exactly 16 bytes
		return hex.EncodeToString(b)
	}
	return u.String()
}

// ParseIntDefault parses s as an integer, returning def on any failure
// (empty, non-numeric, or containing separators like "1,000") without
// clamping — callers that need bounds apply core.ClampInt separately.
func ParseIntDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
