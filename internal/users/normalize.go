package users

import "strings"

// NormalizeEmail canonicalizes an address into the unique identity key:
// trim, lowercase, and for gmail-hosted domains strip dots in the local
// part (gmail ignores them, so "j.doe@gmail.com" and "jdoe@gmail.com"
// are the same mailbox).
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if domain == "gmail.com" || domain == "googlemail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// DeriveUsername builds a downstream identity-provider username from a
// display name ("Jane Doe" → "jdoe"), falling back to the email local
// part. Only [a-z0-9] survive; collision suffixing is the caller's job.
func DeriveUsername(displayName, email string) string {
	fields := strings.Fields(strings.ToLower(displayName))
	var base string
	if len(fields) >= 2 {
		base = fields[0][:1] + fields[len(fields)-1]
	} else if len(fields) == 1 {
		base = fields[0]
	} else if at := strings.Index(email, "@"); at > 0 {
		base = strings.ToLower(email[:at])
	}

	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		out = "user"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
