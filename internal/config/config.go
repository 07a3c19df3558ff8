package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Email       EmailConfig       `yaml:"email"`
	Reminders   RemindersConfig   `yaml:"reminders"`
	Identity    IdentityConfig    `yaml:"identity"`
	License     LicenseConfig     `yaml:"license"`
	Instances   InstancesConfig   `yaml:"instances"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Crypto      CryptoConfig      `yaml:"crypto"`
	Cloud       CloudConfig       `yaml:"cloud"`
	AWS         AWSConfig         `yaml:"aws"`
	Environment string            `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
	BaseURL string `yaml:"base_url"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional Redis connection. When empty, the login
// rate limiter falls back to an in-process cache and scheduler locks fall
// back to Postgres advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds session and login settings
type AuthConfig struct {
	SessionExpiryHours int    `yaml:"session_expiry_hours"`
	LoginMaxAttempts   int    `yaml:"login_max_attempts"`
	LoginWindowSeconds int    `yaml:"login_window_seconds"`
	CookieName         string `yaml:"cookie_name"`
}

// SessionExpiry returns the session lifetime as a duration
func (c AuthConfig) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpiryHours) * time.Hour
}

// LoginWindow returns the rate-limit window as a duration
func (c AuthConfig) LoginWindow() time.Duration {
	return time.Duration(c.LoginWindowSeconds) * time.Second
}

// EmailConfig holds outbound email and queue worker settings
type EmailConfig struct {
	Provider              string   `yaml:"provider"` // "log" or "ses"
	FromAddress           string   `yaml:"from_address"`
	FromName              string   `yaml:"from_name"`
	BatchIntervalMinutes  int      `yaml:"batch_interval_minutes"`
	BatchSize             int      `yaml:"batch_size"`
	FallbackIntervalHours int      `yaml:"fallback_interval_hours"`
	DefaultMaxAttempts    int      `yaml:"default_max_attempts"`
	TestOverrideAddress   string   `yaml:"test_override_address"`
	WebhookKeys           []string `yaml:"webhook_keys"`
}

// BatchInterval returns the batch worker tick interval
func (c EmailConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMinutes) * time.Minute
}

// FallbackInterval returns the queue fallback sweep interval
func (c EmailConfig) FallbackInterval() time.Duration {
	return time.Duration(c.FallbackIntervalHours) * time.Hour
}

// RemindersConfig holds the per-stage reminder thresholds
type RemindersConfig struct {
	Enabled              bool `yaml:"enabled"`
	IntervalHours        int  `yaml:"interval_hours"`
	DaysAfterInvite1     int  `yaml:"days_after_invite_1"`
	MinDaysBeforeEvent1  int  `yaml:"min_days_before_event_1"`
	DaysAfterInvite2     int  `yaml:"days_after_invite_2"`
	MinDaysBeforeEvent2  int  `yaml:"min_days_before_event_2"`
	DaysBeforeEvent3     int  `yaml:"days_before_event_3"`
}

// Interval returns the reminder job interval
func (c RemindersConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// IdentityConfig holds the downstream identity provider ("pandas") settings
type IdentityConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	BaseURL         string `yaml:"base_url"`
	TokenURL        string `yaml:"token_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Interval returns the sync worker interval
func (c IdentityConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Timeout returns the configured timeout as a duration
func (c IdentityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LicenseConfig holds default TTLs for new products and the reaper cadence
type LicenseConfig struct {
	SlotTTLSeconds        int `yaml:"slot_ttl_seconds"`
	TokenTTLSeconds       int `yaml:"token_ttl_seconds"`
	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
}

// ReaperInterval returns the slot reaper tick interval
func (c LicenseConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

// InstancesConfig holds the reconciler cadence and provisioning settings
type InstancesConfig struct {
	SyncIntervalSeconds   int       `yaml:"sync_interval_seconds"`
	ConfigTokenTTLMinutes int       `yaml:"config_token_ttl_minutes"`
	VPN                   VPNConfig `yaml:"vpn"`
}

// SyncInterval returns the status reconciler tick interval
func (c InstancesConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// ConfigTokenTTL returns how long a freshly provisioned instance has to
// fetch its VPN config before the token expires
func (c InstancesConfig) ConfigTokenTTL() time.Duration {
	return time.Duration(c.ConfigTokenTTLMinutes) * time.Minute
}

// VPNConfig holds the WireGuard server side of generated client configs
type VPNConfig struct {
	ServerPublicKey  string `yaml:"server_public_key"`
	Endpoint         string `yaml:"endpoint"`
	Subnet           string `yaml:"subnet"`
	DNS              string `yaml:"dns"`
	AllowedIPs       string `yaml:"allowed_ips"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds"`
}

// SchedulerConfig holds scheduler heartbeat settings
type SchedulerConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// HeartbeatInterval returns the heartbeat upsert interval
func (c SchedulerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CryptoConfig holds the credential encryption key
type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// CloudConfig holds per-provider credentials
type CloudConfig struct {
	OpenStack    OpenStackConfig    `yaml:"openstack"`
	DigitalOcean DigitalOceanConfig `yaml:"digitalocean"`
}

// OpenStackConfig holds Keystone/Nova credentials
type OpenStackConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AuthURL        string `yaml:"auth_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Project        string `yaml:"project"`
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c OpenStackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DigitalOceanConfig holds the droplet API token
type DigitalOceanConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c DigitalOceanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AWSConfig holds SES mailer credentials
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c AWSConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Auth.SessionExpiryHours == 0 {
		cfg.Auth.SessionExpiryHours = 24
	}
	if cfg.Auth.LoginMaxAttempts == 0 {
		cfg.Auth.LoginMaxAttempts = 5
	}
	if cfg.Auth.LoginWindowSeconds == 0 {
		cfg.Auth.LoginWindowSeconds = 300
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "rangehub_session"
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "log"
	}
	if cfg.Email.BatchIntervalMinutes == 0 {
		cfg.Email.BatchIntervalMinutes = 15
	}
	if cfg.Email.BatchSize == 0 {
		cfg.Email.BatchSize = 50
	}
	if cfg.Email.FallbackIntervalHours == 0 {
		cfg.Email.FallbackIntervalHours = 2
	}
	if cfg.Email.DefaultMaxAttempts == 0 {
		cfg.Email.DefaultMaxAttempts = 3
	}
	if cfg.Reminders.IntervalHours == 0 {
		cfg.Reminders.IntervalHours = 6
	}
	if cfg.Reminders.DaysAfterInvite1 == 0 {
		cfg.Reminders.DaysAfterInvite1 = 7
	}
	if cfg.Reminders.MinDaysBeforeEvent1 == 0 {
		cfg.Reminders.MinDaysBeforeEvent1 = 14
	}
	if cfg.Reminders.DaysAfterInvite2 == 0 {
		cfg.Reminders.DaysAfterInvite2 = 14
	}
	if cfg.Reminders.MinDaysBeforeEvent2 == 0 {
		cfg.Reminders.MinDaysBeforeEvent2 = 7
	}
	if cfg.Reminders.DaysBeforeEvent3 == 0 {
		cfg.Reminders.DaysBeforeEvent3 = 3
	}
	if cfg.Identity.IntervalMinutes == 0 {
		cfg.Identity.IntervalMinutes = 10
	}
	if cfg.Identity.TimeoutSeconds == 0 {
		cfg.Identity.TimeoutSeconds = 15
	}
	if cfg.License.SlotTTLSeconds == 0 {
		cfg.License.SlotTTLSeconds = 7200
	}
	if cfg.License.TokenTTLSeconds == 0 {
		cfg.License.TokenTTLSeconds = 7200
	}
	if cfg.License.ReaperIntervalSeconds == 0 {
		cfg.License.ReaperIntervalSeconds = 60
	}
	if cfg.Instances.SyncIntervalSeconds == 0 {
		cfg.Instances.SyncIntervalSeconds = 30
	}
	if cfg.Instances.ConfigTokenTTLMinutes == 0 {
		cfg.Instances.ConfigTokenTTLMinutes = 60
	}
	if cfg.Instances.VPN.Subnet == "" {
		cfg.Instances.VPN.Subnet = "10.8.0.0/16"
	}
	if cfg.Instances.VPN.AllowedIPs == "" {
		cfg.Instances.VPN.AllowedIPs = "0.0.0.0/0"
	}
	if cfg.Instances.VPN.KeepaliveSeconds == 0 {
		cfg.Instances.VPN.KeepaliveSeconds = 25
	}
	if cfg.Scheduler.HeartbeatSeconds == 0 {
		cfg.Scheduler.HeartbeatSeconds = 60
	}
	if cfg.Cloud.OpenStack.TimeoutSeconds == 0 {
		cfg.Cloud.OpenStack.TimeoutSeconds = 30
	}
	if cfg.Cloud.DigitalOcean.TimeoutSeconds == 0 {
		cfg.Cloud.DigitalOcean.TimeoutSeconds = 30
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}
	if cfg.AWS.TimeoutSeconds == 0 {
		cfg.AWS.TimeoutSeconds = 30
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Database override (critical for deployments where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Crypto.EncryptionKey = v
	}
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.Email.Provider = v
	}
	if v := os.Getenv("EMAIL_FROM_ADDRESS"); v != "" {
		cfg.Email.FromAddress = v
	}
	if v := os.Getenv("EMAIL_TEST_OVERRIDE"); v != "" {
		cfg.Email.TestOverrideAddress = v
	}
	if v := os.Getenv("EMAIL_WEBHOOK_KEY"); v != "" {
		cfg.Email.WebhookKeys = append(cfg.Email.WebhookKeys, v)
	}
	if v := os.Getenv("PANDAS_BASE_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("PANDAS_TOKEN_URL"); v != "" {
		cfg.Identity.TokenURL = v
	}
	if v := os.Getenv("PANDAS_CLIENT_ID"); v != "" {
		cfg.Identity.ClientID = v
	}
	if v := os.Getenv("PANDAS_CLIENT_SECRET"); v != "" {
		cfg.Identity.ClientSecret = v
	}
	if v := os.Getenv("OPENSTACK_AUTH_URL"); v != "" {
		cfg.Cloud.OpenStack.AuthURL = v
	}
	if v := os.Getenv("OPENSTACK_USERNAME"); v != "" {
		cfg.Cloud.OpenStack.Username = v
	}
	if v := os.Getenv("OPENSTACK_PASSWORD"); v != "" {
		cfg.Cloud.OpenStack.Password = v
	}
	if v := os.Getenv("DIGITALOCEAN_API_KEY"); v != "" {
		cfg.Cloud.DigitalOcean.APIKey = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.AWS.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.AWS.SecretAccessKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
