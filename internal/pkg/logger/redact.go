package logger

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// redactPIIValue rewrites values whose key or content looks like PII.
// Key conventions: anything mentioning email or recipient holds an address,
// anything mentioning token, password, or credential holds a secret.
func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "email") || strings.Contains(key, "recipient"):
		return RedactEmail(val)
	case strings.Contains(key, "token") || strings.Contains(key, "password") ||
		strings.Contains(key, "credential"):
		return RedactSecret(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks an address, keeping two leading characters of the local
// part when it is long enough to stay ambiguous: "john.doe@example.com"
// becomes "jo***@example.com", "ab@example.com" becomes "***@example.com".
func RedactEmail(email string) string {
	at := strings.Split(email, "@")
	if len(at) != 2 {
		return "***@***"
	}
	if local := at[0]; len(local) > 2 {
		return local[:2] + "***@" + at[1]
	}
	return "***@" + at[1]
}

// RedactSecret masks a token, password, or credential. A 4-character prefix
// survives on longer values so operators can correlate log lines with
// stored hashes; anything of 8 characters or fewer is fully masked.
func RedactSecret(v string) string {
	if len(v) <= 8 {
		return "********"
	}
	return v[:4] + "****"
}
