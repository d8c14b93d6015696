// Package errors provides error handling for inkest.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrRateLimited) {
//	    // back off before the next page fetch
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the pipeline failure taxonomy.
// Fatal errors abort a whole run; transient errors are retried per-item with
// backoff; permanent errors mark the item failed without retry; partial
// errors fail one sub-resource without failing the item.
//
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrAuth indicates the source rejected our credentials (fatal, never retried)
	ErrAuth = New("authentication failed")

	// ErrRateLimited indicates the source asked us to slow down.
	// Use RetryAfter() to recover the wait the server requested.
	ErrRateLimited = New("rate limited")

	// ErrTransient indicates a retryable failure (network, 5xx, timeout)
	ErrTransient = New("transient failure")

	// ErrPermanent indicates a failure that retrying cannot fix (404, bad input)
	ErrPermanent = New("permanent failure")

	// ErrTimeout indicates an operation timed out (retryable)
	ErrTimeout = New("operation timed out")

	// ErrMalformedResponse indicates the extraction service returned output
	// that failed schema validation
	ErrMalformedResponse = New("malformed extraction response")

	// ErrQuotaExceeded indicates the extraction service quota is exhausted;
	// the orchestrator pauses new extraction dispatch for a cooldown window
	ErrQuotaExceeded = New("extraction quota exceeded")

	// ErrStaleClaim indicates a ledger operation was attempted with a claim
	// token that no longer holds the claim (lease expired or released)
	ErrStaleClaim = New("stale claim")
)

// rateLimitedError carries the retry-after duration from a 429 response.
type rateLimitedError struct {
	retryAfter int64 // seconds
}

func (e *rateLimitedError) Error() string { return "rate limited" }

func (e *rateLimitedError) Unwrap() error { return ErrRateLimited }

// NewRateLimited creates a rate-limit error carrying the server's
// requested wait in seconds. A zero or negative value means the server
// did not say; callers fall back to their own backoff.
func NewRateLimited(retryAfterSeconds int64) error {
	return WithStack(&rateLimitedError{retryAfter: retryAfterSeconds})
}

// RetryAfter extracts the retry-after hint (in seconds) from a rate-limit
// error chain. Returns 0 if the error carries no hint.
func RetryAfter(err error) int64 {
	var rl *rateLimitedError
	if As(err, &rl) {
		return rl.retryAfter
	}
	return 0
}

// IsTransient reports whether an error is worth retrying with backoff.
// Timeouts and rate limits count as transient: waiting can fix both.
func IsTransient(err error) bool {
	return err != nil && IsAny(err, ErrTransient, ErrTimeout, ErrRateLimited)
}

// IsPermanent reports whether retrying cannot fix this error.
func IsPermanent(err error) bool {
	return err != nil && IsAny(err, ErrPermanent, ErrNotFound, ErrAuth)
}

// IsFatal reports whether an error must abort the whole run rather than
// fail a single item.
func IsFatal(err error) bool {
	return err != nil && Is(err, ErrAuth)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
