package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Digest computes a one-way hex digest of a sensitive value so audit
// metadata stays correlatable without retaining the secret itself.
func Digest(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}
