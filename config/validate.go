package config

import "github.com/teranos/inkest/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "inkest.db" per defaults.go

	switch c.Source.Kind {
	case "bluesky", "file":
	case "":
		return errors.New("source.kind cannot be empty")
	default:
		return errors.Newf("source.kind must be \"bluesky\" or \"file\", got %q", c.Source.Kind)
	}

	if c.Source.Kind == "file" && c.Source.File == "" {
		return errors.New("source.file cannot be empty when source.kind is \"file\"")
	}

	if c.Source.PageLimit <= 0 || c.Source.PageLimit > 100 {
		return errors.Newf("source.page_limit must be in 1..100, got %d", c.Source.PageLimit)
	}
	if c.Source.RequestsPerMinute <= 0 {
		return errors.Newf("source.requests_per_minute must be > 0, got %d", c.Source.RequestsPerMinute)
	}

	if c.Media.Dir == "" {
		return errors.New("media.dir cannot be empty")
	}
	if c.Media.Concurrency <= 0 {
		return errors.Newf("media.concurrency must be > 0, got %d", c.Media.Concurrency)
	}
	if c.Media.TimeoutSeconds <= 0 {
		return errors.Newf("media.timeout_seconds must be > 0, got %d", c.Media.TimeoutSeconds)
	}
	if c.Media.MaxAttempts <= 0 {
		return errors.Newf("media.max_attempts must be > 0, got %d", c.Media.MaxAttempts)
	}

	if c.Extraction.BaseURL == "" {
		return errors.New("extraction.base_url cannot be empty")
	}
	if c.Extraction.MaxContentChars <= 0 {
		return errors.Newf("extraction.max_content_chars must be > 0, got %d", c.Extraction.MaxContentChars)
	}
	if c.Extraction.TimeoutSeconds <= 0 {
		return errors.Newf("extraction.timeout_seconds must be > 0, got %d", c.Extraction.TimeoutSeconds)
	}
	if c.Extraction.CooldownSeconds < 0 {
		return errors.Newf("extraction.cooldown_seconds must be >= 0, got %d", c.Extraction.CooldownSeconds)
	}

	// Concurrency 1 is the floor: the orchestrator contract requires >= 1
	if c.Pipeline.Concurrency < 1 {
		return errors.Newf("pipeline.concurrency must be >= 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return errors.Newf("pipeline.max_attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.ClaimLeaseSeconds <= 0 {
		return errors.Newf("pipeline.claim_lease_seconds must be > 0, got %d", c.Pipeline.ClaimLeaseSeconds)
	}

	return nil
}
