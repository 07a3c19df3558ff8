package domain

import "time"

// Role is the access level of a user account.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleSponsor Role = "sponsor"
	RoleInvitee Role = "invitee"
)

// EmailStatus tracks provider feedback about an address. Anything other
// than OK blocks future enqueues at validation time.
type EmailStatus string

const (
	EmailOK           EmailStatus = "OK"
	EmailBounced      EmailStatus = "BOUNCED"
	EmailSpamReported EmailStatus = "SPAM_REPORTED"
	EmailUnsubscribed EmailStatus = "UNSUBSCRIBED"
)

// User is a participant, sponsor, or admin account.
//
// NormalizedEmail is the unique identity key (lowercased, gmail dots
// stripped). PandasPasswordEnc holds the downstream identity-provider
// credential as fernet ciphertext; it is never exposed over JSON.
type User struct {
	ID                int64       `json:"id" db:"id"`
	Email             string      `json:"email" db:"email"`
	NormalizedEmail   string      `json:"-" db:"normalized_email"`
	DisplayName       string      `json:"display_name" db:"display_name"`
	Role              Role        `json:"role" db:"role"`
	SponsorID         *int64      `json:"sponsor_id,omitempty" db:"sponsor_id"`
	PasswordHash      *string     `json:"-" db:"password_hash"`
	PandasUsername    *string     `json:"pandas_username,omitempty" db:"pandas_username"`
	PandasPasswordEnc *string     `json:"-" db:"pandas_password_enc"`
	EmailStatus       EmailStatus `json:"email_status" db:"email_status"`
	IsActive          bool        `json:"is_active" db:"is_active"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
}

// CanReceiveEmail reports whether the queue should accept rows for this user.
func (u *User) CanReceiveEmail() bool {
	return u.IsActive && u.EmailStatus == EmailOK
}

// Session is a server-side login session. The ID is an opaque random value
// stored in an HttpOnly cookie.
type Session struct {
	ID        string    `json:"-" db:"id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	IP        string    `json:"ip" db:"ip"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AuditEntry is an append-only record of a security-relevant action.
type AuditEntry struct {
	ID          int64             `json:"id" db:"id"`
	Action      string            `json:"action" db:"action"`
	ActorUserID *int64            `json:"actor_user_id,omitempty" db:"actor_user_id"`
	Target      string            `json:"target" db:"target"`
	Details     map[string]string `json:"details" db:"details"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// Audit actions recorded by the core.
const (
	AuditWorkflowTrigger         = "workflow_trigger"
	AuditWorkflowBlockedTestMode = "workflow_blocked_test_mode"
	AuditLoginFailed             = "login_failed"
	AuditLoginRateLimited        = "login_rate_limited"
	AuditWebhookRejected         = "webhook_rejected"
	AuditEventActivated          = "event_activated"
	AuditTestModeToggled         = "test_mode_toggled"
	AuditLicenseTokenIssued      = "license_token_issued"
	AuditPasswordResetRequested  = "password_reset_requested"
	AuditPasswordResetCompleted  = "password_reset_completed"
)
