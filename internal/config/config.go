// Package config provides configuration types and loading for OnGarde.
//
// Configuration comes from ongarde.yaml plus ONGARDE_-prefixed environment
// overrides. Explicit scanner overrides (sync_cap, timeout_ms) always win
// over startup calibration.
package config

import "time"

// Config is the top-level OnGarde configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the LLM provider base URLs.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Scanner configures the scan pipeline and the NLP worker.
	Scanner ScannerConfig `yaml:"scanner" mapstructure:"scanner"`

	// Allowlist configures operator suppression rules.
	Allowlist AllowlistConfig `yaml:"allowlist" mapstructure:"allowlist"`

	// Auth configures OnGarde API keys. Empty means anonymous mode.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures audit persistence.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// UpstreamConfig holds the upstream base URLs.
type UpstreamConfig struct {
	// OpenAI serves every v1/* path except v1/messages.
	OpenAI string `yaml:"openai" mapstructure:"openai" validate:"required,url"`
	// Anthropic serves v1/messages and sub-paths.
	Anthropic string `yaml:"anthropic" mapstructure:"anthropic" validate:"required,url"`
}

// Scanner modes.
const (
	ScannerModeFull = "full"
	ScannerModeLite = "lite"
)

// ScannerConfig configures the scan pipeline.
type ScannerConfig struct {
	// Mode is full (regex + NLP worker) or lite (regex only, no worker).
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=full lite"`
	// WorkerCommand is the NLP worker argv. Required in full mode.
	WorkerCommand []string `yaml:"worker_command" mapstructure:"worker_command"`
	// EntitySet lists the entity types the worker detects.
	EntitySet []string `yaml:"entity_set" mapstructure:"entity_set"`
	// EnablePersonDetection opts PERSON into the entity set.
	EnablePersonDetection bool `yaml:"enable_person_detection" mapstructure:"enable_person_detection"`
	// SyncCap, when > 0, overrides the calibrated sync threshold.
	SyncCap int `yaml:"sync_cap" mapstructure:"sync_cap" validate:"min=0"`
	// TimeoutMs, when > 0, overrides the calibrated NLP timeout.
	TimeoutMs int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"min=0"`
}

// Timeout returns the timeout override as a duration, 0 when unset.
func (c ScannerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AllowlistConfig configures the suppression rule file.
type AllowlistConfig struct {
	// Path to the allowlist YAML file. Empty disables the allowlist.
	Path string `yaml:"path" mapstructure:"path"`
	// Watch enables hot-reload on file change.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// AuthConfig configures OnGarde API keys.
type AuthConfig struct {
	Keys []KeyConfig `yaml:"keys" mapstructure:"keys" validate:"omitempty,dive"`
}

// KeyConfig is one configured API key.
type KeyConfig struct {
	UserID string `yaml:"user_id" mapstructure:"user_id" validate:"required"`
	// KeyHash is sha256:<hex>, bare hex, or an argon2id PHC string.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`
}

// AuditConfig configures audit persistence.
type AuditConfig struct {
	// Enabled controls whether events are persisted at all.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// DBPath is the SQLite database path. ":memory:" is accepted.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
	// ChannelSize is the async writer buffer.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"min=0"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	TracesEnabled bool `yaml:"traces_enabled" mapstructure:"traces_enabled"`
}

// SetDefaults fills in optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Upstream.OpenAI == "" {
		c.Upstream.OpenAI = "https://api.openai.com"
	}
	if c.Upstream.Anthropic == "" {
		c.Upstream.Anthropic = "https://api.anthropic.com"
	}
	if c.Scanner.Mode == "" {
		c.Scanner.Mode = ScannerModeFull
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		c.Audit.DBPath = "ongarde-audit.db"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.DevMode {
		c.Server.LogLevel = "debug"
	}
}
