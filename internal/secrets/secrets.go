// Package secrets encrypts credentials at rest. The construction is
// fernet (AES-128-CBC + HMAC-SHA256 over a version-tagged token), so
// ciphertext is authenticated and tamper becomes a decrypt failure, never
// silent garbage. The key is parsed once at process start.
package secrets

import (
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/rangeops/rangehub/internal/domain"
)

// Codec encrypts and decrypts short credential strings. Decrypt accepts
// tokens minted under any configured key so keys can rotate: new writes
// use the first key, old ciphertext stays readable.
type Codec struct {
	keys []*fernet.Key
}

// NewCodec parses one or more comma-separated base64 fernet keys.
func NewCodec(keyStr string) (*Codec, error) {
	if strings.TrimSpace(keyStr) == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	var keys []*fernet.Key
	for _, part := range strings.Split(keyStr, ",") {
		k, err := fernet.DecodeKey(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		keys = append(keys, k)
	}
	return &Codec{keys: keys}, nil
}

// GenerateKey returns a fresh base64-encoded key, for provisioning.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// Encrypt returns the fernet token for plaintext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a stored token. Tokens never expire here:
// freshness is the row's concern, not the ciphertext's. A failed verify
// returns domain.ErrCorruption; callers log at warn and treat the value
// as missing.
func (c *Codec) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, c.keys)
	if msg == nil {
		return "", domain.ErrCorruption
	}
	return string(msg), nil
}

// DecryptWithTTL is Decrypt for short-lived tokens: the fernet timestamp
// must be within ttl of now. Expiry and tamper are indistinguishable to
// the caller, both come back as domain.ErrCorruption.
func (c *Codec) DecryptWithTTL(token string, ttl time.Duration) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, c.keys)
	if msg == nil {
		return "", domain.ErrCorruption
	}
	return string(msg), nil
}
