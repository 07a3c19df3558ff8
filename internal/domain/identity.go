package domain

import "time"

// SyncOperation is the kind of change shipped to the downstream identity
// provider.
type SyncOperation string

const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// IdentitySyncRow is one queued credential change. Rows are upserted by
// (user_id, operation) so a later change of the same kind supersedes an
// earlier one; different operations for the same user coexist.
//
// Delivery is at-least-once: the downstream endpoint must be idempotent.
// synced and failed are distinct terminal marks; a row with neither set
// is retried on every worker tick.
type IdentitySyncRow struct {
	ID          int64         `json:"id" db:"id"`
	UserID      int64         `json:"user_id" db:"user_id"`
	Username    string        `json:"username" db:"username"`
	PasswordEnc *string       `json:"-" db:"password_enc"`
	Operation   SyncOperation `json:"operation" db:"operation"`
	Synced      bool          `json:"synced" db:"synced"`
	Failed      bool          `json:"failed" db:"failed"`
	RetryCount  int           `json:"retry_count" db:"retry_count"`
	LastError   *string       `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
	SyncedAt    *time.Time    `json:"synced_at,omitempty" db:"synced_at"`
}
