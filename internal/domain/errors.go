package domain

import "errors"

// Sentinel errors shared across stores and services. Callers classify with
// errors.Is; the HTTP layer maps them to status codes. Background workers
// never let these cross a tick boundary.
var (
	// ErrValidation: malformed input, unknown template, disabled workflow.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: the addressed row does not exist (or is soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrConflict: the operation would duplicate existing state. Callers
	// usually receive the existing row instead of this error; it surfaces
	// only where no row can be returned.
	ErrConflict = errors.New("conflict")

	// ErrTransient: connection failure, 5xx, timeout. Retry next tick.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent: remote rejected the request with a semantic 4xx.
	// No further retries.
	ErrPermanent = errors.New("permanent remote failure")

	// ErrRecipientInvalid: the user's address bounced, was reported as
	// spam, or unsubscribed. Enqueues are rejected at validation.
	ErrRecipientInvalid = errors.New("recipient email invalid")

	// ErrTokenSpent: single-use token already consumed or past expiry.
	// Responses carry a neutral message to avoid enumeration.
	ErrTokenSpent = errors.New("token expired or already used")

	// ErrUnauthorized: missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited: too many attempts inside the window.
	ErrRateLimited = errors.New("rate limited")

	// ErrCorruption: stored ciphertext failed to decrypt. Logged at warn
	// and treated as missing; the caller may re-provision.
	ErrCorruption = errors.New("stored credential corrupt")
)

// Transient reports whether err should be retried on the next tick.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}
