// Package tokens generates and hashes opaque single-use secrets. The raw
// value is returned once to the caller; only the SHA-256 hex digest is
// ever persisted. License download tokens, instance config-fetch tokens,
// and confirmation codes all come from here.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DefaultLength is the random byte count used when callers pass 0.
const DefaultLength = 32

// Generate returns a URL-safe random token of n bytes and its SHA-256 hex
// digest. The raw token is never stored.
func Generate(n int) (raw, hash string, err error) {
	if n <= 0 {
		n = DefaultLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, Hash(raw), nil
}

// Hash returns the SHA-256 hex digest of a raw token. Lookups hash the
// presented value and compare against the stored digest.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
