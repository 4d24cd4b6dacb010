package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider identifies a supported social platform.
type Provider string

const (
	ProviderTikTok    Provider = "tiktok"
	ProviderInstagram Provider = "instagram"
)

// ParseProvider validates a provider name from an external input (URL path,
// API body) and returns the canonical value.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderTikTok, ProviderInstagram:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("domain.ParseProvider: %q: %w", s, ErrUnknownProvider)
	}
}

// AccountStatus is the lifecycle state of a connected social account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountNeedsReauth AccountStatus = "needs_reauth"
	AccountRevoked     AccountStatus = "revoked"
)

// SocialAccount is a user's connection to a social platform. Token material is
// stored encrypted only; the plaintext never reaches the repository layer.
// (user_id, provider) is unique: one active connection per platform per user.
type SocialAccount struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Provider              Provider
	ExternalAccountID     string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	AccessExpiresAt       time.Time
	RefreshExpiresAt      time.Time
	Scope                 string
	Status                AccountStatus
	// TokenVersion is a monotonic counter bumped on every token replacement.
	// All token mutations are compare-and-swap on this value.
	TokenVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenPair carries freshly issued encrypted token material for a CAS update.
type TokenPair struct {
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	AccessExpiresAt       time.Time
	RefreshExpiresAt      time.Time
}

// AccountRepository persists social account records.
type AccountRepository interface {
	// Upsert creates the account or replaces the existing (user_id, provider)
	// row. A replace resets TokenVersion and status.
	Upsert(ctx context.Context, a *SocialAccount) error
	GetByID(ctx context.Context, id uuid.UUID) (*SocialAccount, error)
	GetByUserProvider(ctx context.Context, userID uuid.UUID, provider Provider) (*SocialAccount, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*SocialAccount, error)
	// ListExpiring returns active accounts whose access token expires within
	// the lookahead window, oldest expiry first.
	ListExpiring(ctx context.Context, lookahead time.Duration, limit int) ([]*SocialAccount, error)
	// SwapTokens replaces the stored token pair if and only if the row still
	// carries expectedVersion. Returns ErrVersionConflict when another writer
	// already rotated the tokens.
	SwapTokens(ctx context.Context, id uuid.UUID, expectedVersion int64, pair TokenPair) error
	SetStatus(ctx context.Context, id uuid.UUID, status AccountStatus) error
	// SetStatusByExternalID marks the account identified by the provider-side
	// account ID, used when a webhook reports revocation.
	SetStatusByExternalID(ctx context.Context, provider Provider, externalAccountID string, status AccountStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}
