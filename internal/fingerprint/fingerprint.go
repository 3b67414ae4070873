// Package fingerprint derives an advisory device marker from request
// signals. The marker recognizes "probably the same physical device" across
// requests without a persistent cookie. It is trivially forgeable and must
// never be treated as an authentication factor; the engine only attaches it
// to audit metadata and client-facing hints.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Derive returns a deterministic device marker for an identity handle and
// user-agent pair. Empty input yields an empty marker so callers can skip
// it entirely.
func Derive(handle, userAgent string) string {
	handle = strings.ToLower(strings.TrimSpace(handle))
	userAgent = strings.TrimSpace(userAgent)
	if handle == "" || userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(handle + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}
