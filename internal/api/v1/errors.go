package v1

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
)

// mapError translates service failures into HTTP problem responses.
func mapError(err error) error {
	var rle *domain.RateLimitError
	var qe *domain.QuotaError
	var pe *oauth.ProviderError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("not found")

	case errors.Is(err, domain.ErrUnknownProvider):
		return huma.Error422UnprocessableEntity("unknown provider")

	case errors.Is(err, domain.ErrNeedsReauth):
		return huma.Error409Conflict("account needs reauthorization")

	case errors.As(err, &rle):
		return huma.Error429TooManyRequests(
			fmt.Sprintf("rate limited, retry in %s", rle.RetryAfter.Round(time.Second)))

	case errors.As(err, &qe):
		return huma.Error429TooManyRequests(
			fmt.Sprintf("pending post quota of %d reached, resets at %s", qe.Limit, qe.ResetAt.UTC().Format("2006-01-02T15:04:05Z")))

	case errors.As(err, &pe):
		if pe.Transient {
			return huma.Error502BadGateway("platform temporarily unavailable", err)
		}
		return huma.Error422UnprocessableEntity(fmt.Sprintf("platform rejected the request: %s", pe.Code))

	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}
