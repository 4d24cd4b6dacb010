package oauth

import (
	"errors"
	"fmt"

	"github.com/fanforge/socialcore/internal/domain"
)

// Sentinel errors for the oauth package.
var (
	// ErrStateInvalid rejects a callback whose state token is missing,
	// expired, or already consumed. This is the CSRF guard: it never
	// degrades into a silent success.
	ErrStateInvalid = errors.New("oauth: invalid, expired, or reused state")
	// ErrDenied is returned when the user declined authorization on the
	// provider's consent screen. Permanent; the user must re-consent.
	ErrDenied = errors.New("oauth: authorization denied by user")
)

// ProviderError is a failure reported by or while reaching the provider.
// Transient errors are retryable at the caller's backoff discretion;
// permanent ones require user action.
type ProviderError struct {
	Provider  domain.Provider
	Op        string
	Code      string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("oauth: %s %s failed (%s, %s): %v", e.Provider, e.Op, e.Code, kind, e.Err)
	}
	return fmt.Sprintf("oauth: %s %s failed (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a provider failure that retrying cannot
// fix.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Transient
	}
	return false
}
