package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "inkest.db")

	// Source defaults
	v.SetDefault("source.kind", "bluesky")
	v.SetDefault("source.pds_host", "https://bsky.social")
	v.SetDefault("source.page_limit", 50)            // Bluesky caps pages at 100
	v.SetDefault("source.requests_per_minute", 30)   // Polite paging

	// Media download defaults
	v.SetDefault("media.dir", "media")
	v.SetDefault("media.concurrency", 4)     // Lower than item concurrency: don't hammer the media host
	v.SetDefault("media.timeout_seconds", 60)
	v.SetDefault("media.max_attempts", 5)

	// Extraction defaults
	v.SetDefault("extraction.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("extraction.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("extraction.max_tokens", 1000)
	v.SetDefault("extraction.max_content_chars", 8000) // Head-truncate beyond this
	v.SetDefault("extraction.timeout_seconds", 120)
	v.SetDefault("extraction.requests_per_minute", 20)
	v.SetDefault("extraction.cooldown_seconds", 60) // Pause after quota rejection

	// Pipeline defaults
	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.claim_lease_seconds", 300) // 5 minutes: bounds staleness after a crash
}
