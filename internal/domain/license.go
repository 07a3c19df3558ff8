package domain

import "time"

// LicenseProduct is a licensed software package with a concurrency cap.
type LicenseProduct struct {
	ID              int64     `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	LicenseBlob     string    `json:"-" db:"license_blob"`
	MaxConcurrent   int       `json:"max_concurrent" db:"max_concurrent"`
	SlotTTLSeconds  int       `json:"slot_ttl_seconds" db:"slot_ttl_seconds"`
	TokenTTLSeconds int       `json:"token_ttl_seconds" db:"token_ttl_seconds"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// SlotTTL returns the slot lease duration.
func (p *LicenseProduct) SlotTTL() time.Duration {
	return time.Duration(p.SlotTTLSeconds) * time.Second
}

// TokenTTL returns the download-token lifetime.
func (p *LicenseProduct) TokenTTL() time.Duration {
	return time.Duration(p.TokenTTLSeconds) * time.Second
}

// LicenseToken authorizes a one-time download of a product's license blob.
// Only the SHA-256 hex of the raw token is stored; used=true is terminal.
type LicenseToken struct {
	ID         int64      `json:"id" db:"id"`
	TokenHash  string     `json:"-" db:"token_hash"`
	ProductID  int64      `json:"product_id" db:"product_id"`
	InstanceID *int64     `json:"instance_id,omitempty" db:"instance_id"`
	Used       bool       `json:"used" db:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty" db:"used_at"`
	UsedByIP   *string    `json:"used_by_ip,omitempty" db:"used_by_ip"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// SlotResult records how a slot lease ended.
type SlotResult string

const (
	SlotSuccess SlotResult = "success"
	SlotError   SlotResult = "error"
	SlotExpired SlotResult = "expired"
	SlotUnknown SlotResult = "unknown"
)

// LicenseSlot is a lease against a product's concurrency cap. The reaper
// releases slots whose lease outlived the product's slot TTL.
type LicenseSlot struct {
	ID             int64      `json:"id" db:"id"`
	SlotID         string     `json:"slot_id" db:"slot_id"`
	ProductID      int64      `json:"product_id" db:"product_id"`
	Hostname       string     `json:"hostname" db:"hostname"`
	IP             string     `json:"ip" db:"ip"`
	AcquiredAt     time.Time  `json:"acquired_at" db:"acquired_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty" db:"released_at"`
	Result         SlotResult `json:"result" db:"result"`
	ElapsedSeconds int        `json:"elapsed_seconds" db:"elapsed_seconds"`
	IsActive       bool       `json:"is_active" db:"is_active"`
}

// AcquireResult is the outcome of a slot acquire call. Exactly one of
// Granted or Wait describes the outcome; a denied acquire is not an error.
type AcquireResult struct {
	Granted    bool   `json:"granted"`
	SlotID     string `json:"slot_id,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Active     int    `json:"active,omitempty"`
	Max        int    `json:"max,omitempty"`
}
