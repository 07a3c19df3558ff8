package users

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/rangeops/rangehub/internal/tokens"
)

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether plaintext matches the stored bcrypt hash.
func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// GeneratePassword returns a fresh random credential for a provisioned
// downstream account: 16 URL-safe characters, never reused.
func GeneratePassword() (string, error) {
	raw, _, err := tokens.Generate(12)
	if err != nil {
		return "", err
	}
	return raw, nil
}
