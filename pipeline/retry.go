package pipeline

import (
	"math/rand"
	"time"
)

// RetryPolicy is the shared backoff shape, passed as data to whatever
// needs it (page fetches, media downloads, extraction retries).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added as random spread
}

// DefaultRetryPolicy matches the media downloader's schedule: 1s base,
// doubling, 30s cap, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based: the
// delay between the first failure and the second try is Delay(0)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if limit := float64(p.MaxDelay); p.MaxDelay > 0 && delay > limit {
		delay = limit
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}
