// Package config defines the inkest configuration, loaded once at startup
// and passed explicitly into every component constructor. There is no
// process-wide mutable configuration after startup.
package config

import "time"

// Config represents the full inkest configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Source     SourceConfig     `mapstructure:"source"`
	Media      MediaConfig      `mapstructure:"media"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
}

// DatabaseConfig configures the SQLite database shared by the dedup
// ledger and the persistence gateway.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SourceConfig configures the bookmark source.
// Credentials are resolved by the caller (environment, keyring) before
// they land here; inkest performs no credential acquisition.
type SourceConfig struct {
	// Kind selects the source implementation: "bluesky" or "file"
	Kind string `mapstructure:"kind"`

	// PDSHost is the AT Protocol server to talk to
	PDSHost string `mapstructure:"pds_host"`

	// Identifier is the account handle or DID
	Identifier string `mapstructure:"identifier"`

	// AppPassword is an app-specific password (never the account password)
	AppPassword string `mapstructure:"app_password"`

	// PageLimit bounds items per page request (max 100 on Bluesky)
	PageLimit int `mapstructure:"page_limit"`

	// RequestsPerMinute rate-limits page fetches process-wide
	RequestsPerMinute int `mapstructure:"requests_per_minute"`

	// File is the exported bookmarks JSON to replay when Kind is "file"
	File string `mapstructure:"file"`
}

// MediaConfig configures attachment downloading
type MediaConfig struct {
	// Dir is the root directory for content-addressed asset files
	Dir string `mapstructure:"dir"`

	// Concurrency bounds simultaneous downloads, independent of the
	// item-level worker count
	Concurrency int `mapstructure:"concurrency"`

	// TimeoutSeconds is the per-download timeout
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// MaxAttempts bounds retries of transient download failures
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ExtractionConfig configures the AI extraction client
type ExtractionConfig struct {
	// BaseURL of the chat-completions endpoint
	BaseURL string `mapstructure:"base_url"`

	// APIKey for the inference service
	APIKey string `mapstructure:"api_key"`

	// Model identifier sent with each request
	Model string `mapstructure:"model"`

	// MaxTokens bounds the completion length
	MaxTokens int `mapstructure:"max_tokens"`

	// MaxContentChars head-truncates item content before submission
	MaxContentChars int `mapstructure:"max_content_chars"`

	// TimeoutSeconds is the per-call timeout
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// RequestsPerMinute rate-limits extraction dispatch process-wide
	RequestsPerMinute int `mapstructure:"requests_per_minute"`

	// CooldownSeconds pauses extraction dispatch after a quota rejection
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// PipelineConfig configures the orchestrator
type PipelineConfig struct {
	// Concurrency bounds simultaneous in-flight items (must be >= 1)
	Concurrency int `mapstructure:"concurrency"`

	// MaxAttempts is the per-item attempt ceiling before an item is
	// permanently failed
	MaxAttempts int `mapstructure:"max_attempts"`

	// ClaimLeaseSeconds bounds how long a crashed worker can hold an
	// item before it becomes claimable again
	ClaimLeaseSeconds int `mapstructure:"claim_lease_seconds"`
}

// ClaimLease returns the claim lease as a duration.
func (c PipelineConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

// Cooldown returns the extraction cooldown as a duration.
func (c ExtractionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Timeout returns the per-call extraction timeout as a duration.
func (c ExtractionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the per-download timeout as a duration.
func (c MediaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
