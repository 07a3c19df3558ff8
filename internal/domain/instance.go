package domain

import "time"

// InstanceStatus is the canonical status set all providers normalize into.
type InstanceStatus string

const (
	InstanceBuilding InstanceStatus = "BUILDING"
	InstanceActive   InstanceStatus = "ACTIVE"
	InstanceError    InstanceStatus = "ERROR"
	InstanceShutoff  InstanceStatus = "SHUTOFF"
	InstanceDeleted  InstanceStatus = "DELETED"
)

// Terminal reports whether the reconciler should stop polling this status.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceActive, InstanceError, InstanceShutoff, InstanceDeleted:
		return true
	}
	return false
}

// ProviderName tags which cloud provider owns an instance.
type ProviderName string

const (
	ProviderOpenStack    ProviderName = "openstack"
	ProviderDigitalOcean ProviderName = "digitalocean"
)

// Instance is one provisioned cloud machine. The config token fields hold
// a short-lived single-use secret (hash only) that the freshly booted
// instance presents to fetch its VPN configuration.
type Instance struct {
	ID                   int64          `json:"id" db:"id"`
	Provider             ProviderName   `json:"provider" db:"provider"`
	ProviderID           *string        `json:"provider_id,omitempty" db:"provider_id"`
	Name                 string         `json:"name" db:"name"`
	Status               InstanceStatus `json:"status" db:"status"`
	IPAddress            *string        `json:"ip_address,omitempty" db:"ip_address"`
	UserID               *int64         `json:"user_id,omitempty" db:"user_id"`
	EventID              *int64         `json:"event_id,omitempty" db:"event_id"`
	TemplateName         string         `json:"template_name" db:"template_name"`
	VPNConfig            *string        `json:"-" db:"vpn_config"`
	ConfigTokenHash      *string        `json:"-" db:"config_token_hash"`
	ConfigTokenExpiresAt *time.Time     `json:"-" db:"config_token_expires_at"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	DeletedAt            *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// JobDescriptor describes one registered scheduler job for observability.
type JobDescriptor struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Trigger string     `json:"trigger"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// SchedulerStatus is the heartbeat row one worker service maintains.
type SchedulerStatus struct {
	ServiceName   string          `json:"service_name" db:"service_name"`
	IsRunning     bool            `json:"is_running" db:"is_running"`
	Jobs          []JobDescriptor `json:"jobs" db:"jobs"`
	LastHeartbeat time.Time       `json:"last_heartbeat" db:"last_heartbeat"`
}
