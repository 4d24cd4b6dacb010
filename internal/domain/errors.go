package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound          = errors.New("domain: not found")
	ErrConflict          = errors.New("domain: conflict")
	ErrUnknownProvider   = errors.New("domain: unknown provider")
	ErrVersionConflict   = errors.New("domain: token version conflict")
	ErrInvalidTransition = errors.New("domain: invalid post status transition")
	// ErrNeedsReauth surfaces to callers asking for a token on an account
	// whose refresh credential is no longer usable.
	ErrNeedsReauth = errors.New("domain: account needs reauthorization")
)

// RateLimitError rejects a publish that exceeded the per-account request
// ceiling. RetryAfter is when the sliding window next admits a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("domain: rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// QuotaError rejects a publish that would exceed the rolling pending quota.
// ResetAt is when the oldest pending post ages out of the window.
type QuotaError struct {
	Limit   int
	Pending int
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("domain: pending quota exceeded (%d/%d), resets at %s", e.Pending, e.Limit, e.ResetAt.Format(time.RFC3339))
}
