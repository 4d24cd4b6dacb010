// Package account manages connected social accounts: connecting via the OAuth
// flow, serving decrypted access tokens with refresh-on-read, and
// disconnecting.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
	"github.com/fanforge/socialcore/internal/secrets"
)

// TokenRefresher exchanges a refresh token for a new grant.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenGrant, error)
}

// ReauthNotifier announces that an account needs the user to reconnect.
type ReauthNotifier interface {
	NotifyReauthRequired(ctx context.Context, account *domain.SocialAccount) error
}

// Service is the account lifecycle service.
type Service struct {
	accounts   domain.AccountRepository
	flow       *oauth.Flow
	refreshers map[domain.Provider]TokenRefresher
	cipher     *secrets.Cipher
	// safetyMargin is subtracted from the access token expiry: a token inside
	// the margin is treated as already expired and refreshed before use.
	safetyMargin time.Duration
	notifier     ReauthNotifier
	// refreshGroup serializes refreshes per account within this process, so
	// concurrent reads of an expiring token produce one provider call instead
	// of racing each other's single-use refresh token.
	refreshGroup singleflight.Group
}

func NewService(accounts domain.AccountRepository, flow *oauth.Flow, cipher *secrets.Cipher, safetyMargin time.Duration, notifier ReauthNotifier) *Service {
	return &Service{
		accounts:     accounts,
		flow:         flow,
		refreshers:   make(map[domain.Provider]TokenRefresher),
		cipher:       cipher,
		safetyMargin: safetyMargin,
		notifier:     notifier,
	}
}

// RegisterRefresher attaches the refresher used for inline refresh-on-read.
func (s *Service) RegisterRefresher(provider domain.Provider, r TokenRefresher) {
	s.refreshers[provider] = r
}

// BeginConnect starts the authorization flow and returns the URL to send the
// user to.
func (s *Service) BeginConnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error) {
	return s.flow.BeginAuthorization(ctx, userID, provider)
}

// CompleteConnect finishes the authorization flow from the provider callback.
func (s *Service) CompleteConnect(ctx context.Context, state, code, providerErr, providerErrDesc string) (*domain.SocialAccount, error) {
	return s.flow.HandleCallback(ctx, state, code, providerErr, providerErrDesc)
}

// List returns the user's connected accounts.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*domain.SocialAccount, error) {
	return s.accounts.ListByUser(ctx, userID)
}

// Get returns one account, checking it belongs to the user.
func (s *Service) Get(ctx context.Context, userID, accountID uuid.UUID) (*domain.SocialAccount, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account.Get: %w", err)
	}
	if a.UserID != userID {
		return nil, fmt.Errorf("account.Get: %w", domain.ErrNotFound)
	}

	return a, nil
}

// Disconnect marks the user's account for a provider as revoked. The record is
// kept so post history stays attributable.
func (s *Service) Disconnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	a, err := s.accounts.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("account.Disconnect: %w", err)
	}

	if err := s.accounts.SetStatus(ctx, a.ID, domain.AccountRevoked); err != nil {
		return fmt.Errorf("account.Disconnect: %w", err)
	}

	log.Info().
		Str("account_id", a.ID.String()).
		Str("provider", string(provider)).
		Msg("account disconnected")

	return nil
}

// GetValidToken returns a plaintext access token guaranteed to outlive the
// safety margin. A token inside the margin is refreshed inline before being
// returned. Returns domain.ErrNeedsReauth when the account cannot be used
// without the user reconnecting.
func (s *Service) GetValidToken(ctx context.Context, accountID uuid.UUID) (string, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("account.GetValidToken: %w", err)
	}

	if a.Status != domain.AccountActive {
		return "", fmt.Errorf("account.GetValidToken: status %s: %w", a.Status, domain.ErrNeedsReauth)
	}

	if time.Until(a.AccessExpiresAt) > s.safetyMargin {
		token, err := s.cipher.Decrypt(a.EncryptedAccessToken)
		if err != nil {
			return "", fmt.Errorf("account.GetValidToken: %w", err)
		}
		return token, nil
	}

	v, err, _ := s.refreshGroup.Do(a.ID.String(), func() (any, error) {
		// Re-read inside the flight: a caller that waited here may find the
		// rotation already done, and must not present the consumed token.
		fresh, err := s.accounts.GetByID(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status != domain.AccountActive {
			return nil, fmt.Errorf("status %s: %w", fresh.Status, domain.ErrNeedsReauth)
		}
		if time.Until(fresh.AccessExpiresAt) > s.safetyMargin {
			return s.cipher.Decrypt(fresh.EncryptedAccessToken)
		}
		return s.refreshAccount(ctx, fresh)
	})
	if err != nil {
		return "", fmt.Errorf("account.GetValidToken: %w", err)
	}

	return v.(string), nil
}

// Refresh rotates the account's tokens now, regardless of expiry. Used by the
// background scheduler; sharing the flight group keeps it from colliding with
// an inline refresh on the same account.
func (s *Service) Refresh(ctx context.Context, a *domain.SocialAccount) error {
	_, err, _ := s.refreshGroup.Do(a.ID.String(), func() (any, error) {
		return s.refreshAccount(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("account.Refresh: %w", err)
	}

	return nil
}

// refreshAccount exchanges the stored refresh token for a new pair and swaps
// it in under the account's token version. Losing the CAS race means another
// writer already rotated; the fresh row is re-read and its token returned.
func (s *Service) refreshAccount(ctx context.Context, a *domain.SocialAccount) (string, error) {
	refresher, ok := s.refreshers[a.Provider]
	if !ok {
		return "", fmt.Errorf("%q: %w", a.Provider, domain.ErrUnknownProvider)
	}

	refreshToken, err := s.cipher.Decrypt(a.EncryptedRefreshToken)
	if err != nil {
		return "", err
	}

	grant, err := refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if oauth.IsPermanent(err) {
			// Under single-use rotation a concurrent refresh may have already
			// consumed the presented token, and the provider reports that as
			// invalid_grant. If the row moved past the version this call
			// started from, the other writer's pair is live and the account
			// is healthy.
			fresh, readErr := s.accounts.GetByID(ctx, a.ID)
			if readErr == nil && fresh.TokenVersion > a.TokenVersion && fresh.Status == domain.AccountActive {
				return s.cipher.Decrypt(fresh.EncryptedAccessToken)
			}
			s.markNeedsReauth(ctx, a, err)
			return "", fmt.Errorf("%w: %w", domain.ErrNeedsReauth, err)
		}
		return "", err
	}

	encAccess, err := s.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		return "", err
	}
	encRefresh, err := s.cipher.Encrypt(grant.RefreshToken)
	if err != nil {
		return "", err
	}

	pair := domain.TokenPair{
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		AccessExpiresAt:       grant.AccessExpiresAt,
		RefreshExpiresAt:      grant.RefreshExpiresAt,
	}

	err = s.accounts.SwapTokens(ctx, a.ID, a.TokenVersion, pair)
	if errors.Is(err, domain.ErrVersionConflict) {
		// Another writer rotated first. Its pair is the live one.
		fresh, readErr := s.accounts.GetByID(ctx, a.ID)
		if readErr != nil {
			return "", readErr
		}
		if fresh.Status != domain.AccountActive {
			return "", fmt.Errorf("status %s: %w", fresh.Status, domain.ErrNeedsReauth)
		}
		return s.cipher.Decrypt(fresh.EncryptedAccessToken)
	}
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("account_id", a.ID.String()).
		Str("provider", string(a.Provider)).
		Time("access_expires_at", grant.AccessExpiresAt).
		Msg("tokens rotated")

	return grant.AccessToken, nil
}

// markNeedsReauth flips the account and tells the notifier. Failures here are
// logged, not returned: the caller already has the refresh failure to report.
func (s *Service) markNeedsReauth(ctx context.Context, a *domain.SocialAccount, cause error) {
	if err := s.accounts.SetStatus(ctx, a.ID, domain.AccountNeedsReauth); err != nil {
		log.Error().Err(err).Str("account_id", a.ID.String()).Msg("marking account needs_reauth failed")
		return
	}

	log.Warn().
		Str("account_id", a.ID.String()).
		Str("provider", string(a.Provider)).
		AnErr("cause", cause).
		Msg("account needs reauthorization")

	if s.notifier != nil {
		if err := s.notifier.NotifyReauthRequired(ctx, a); err != nil {
			log.Error().Err(err).Str("account_id", a.ID.String()).Msg("reauth notification failed")
		}
	}
}
