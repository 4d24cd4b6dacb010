package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/secrets"
)

// State is the CSRF token payload persisted between the authorization
// redirect and the provider callback.
type State struct {
	UserID    uuid.UUID       `json:"user_id"`
	Provider  domain.Provider `json:"provider"`
	CreatedAt time.Time       `json:"created_at"`
}

// StateStore persists single-use authorization states with a TTL.
type StateStore interface {
	Save(ctx context.Context, token string, st State, ttl time.Duration) error
	// Consume atomically fetches and deletes the state. Returns (nil, nil)
	// when the token does not exist, expired, or was already consumed.
	Consume(ctx context.Context, token string) (*State, error)
}

// Flow drives the authorization-code flow: it issues authorization URLs bound
// to a single-use state and turns valid callbacks into persisted accounts.
type Flow struct {
	providers map[domain.Provider]*Provider
	states    StateStore
	accounts  domain.AccountRepository
	cipher    *secrets.Cipher
	stateTTL  time.Duration
}

// NewFlow creates a Flow. Providers are attached with Register.
func NewFlow(states StateStore, accounts domain.AccountRepository, cipher *secrets.Cipher, stateTTL time.Duration) *Flow {
	return &Flow{
		providers: make(map[domain.Provider]*Provider),
		states:    states,
		accounts:  accounts,
		cipher:    cipher,
		stateTTL:  stateTTL,
	}
}

// Register attaches a configured provider.
func (f *Flow) Register(p *Provider) {
	f.providers[p.Name] = p
}

// Provider returns the registered provider for name.
func (f *Flow) Provider(name domain.Provider) (*Provider, bool) {
	p, ok := f.providers[name]
	return p, ok
}

// BeginAuthorization generates a single-use state bound to the user and
// returns the provider's authorization URL carrying it.
func (f *Flow) BeginAuthorization(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error) {
	p, ok := f.providers[provider]
	if !ok {
		return "", fmt.Errorf("oauth.BeginAuthorization: %q: %w", provider, domain.ErrUnknownProvider)
	}

	token, err := newStateToken()
	if err != nil {
		return "", fmt.Errorf("oauth.BeginAuthorization: %w", err)
	}

	st := State{UserID: userID, Provider: provider, CreatedAt: time.Now()}
	if err := f.states.Save(ctx, token, st, f.stateTTL); err != nil {
		return "", fmt.Errorf("oauth.BeginAuthorization: %w", err)
	}

	return p.AuthorizationURL(token), nil
}

// HandleCallback validates the provider callback and, on success, persists the
// connected account (create-or-replace by user and provider).
//
// The state is consumed before anything else: whatever the outcome, a state
// token is good for exactly one callback.
func (f *Flow) HandleCallback(ctx context.Context, stateToken, code, providerErr, providerErrDesc string) (*domain.SocialAccount, error) {
	st, err := f.states.Consume(ctx, stateToken)
	if err != nil {
		return nil, fmt.Errorf("oauth.HandleCallback: consume state: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("oauth.HandleCallback: %w", ErrStateInvalid)
	}

	p, ok := f.providers[st.Provider]
	if !ok {
		return nil, fmt.Errorf("oauth.HandleCallback: %q: %w", st.Provider, domain.ErrUnknownProvider)
	}

	if providerErr != "" {
		return nil, mapCallbackError(st.Provider, providerErr, providerErrDesc)
	}
	if code == "" {
		return nil, &ProviderError{Provider: st.Provider, Op: "callback", Code: "missing_code", Err: fmt.Errorf("callback carried no code")}
	}

	grant, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth.HandleCallback: %w", err)
	}

	account, err := f.accountFromGrant(st.UserID, st.Provider, grant)
	if err != nil {
		return nil, fmt.Errorf("oauth.HandleCallback: %w", err)
	}

	if err := f.accounts.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("oauth.HandleCallback: persist account: %w", err)
	}

	log.Info().
		Str("user_id", st.UserID.String()).
		Str("provider", string(st.Provider)).
		Str("external_account_id", grant.ExternalAccountID).
		Msg("oauth account connected")

	return account, nil
}

// accountFromGrant encrypts the grant's token material into a fresh account
// record. Plaintext tokens never leave this function.
func (f *Flow) accountFromGrant(userID uuid.UUID, provider domain.Provider, grant *TokenGrant) (*domain.SocialAccount, error) {
	encAccess, err := f.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	encRefresh, err := f.cipher.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := time.Now()
	return &domain.SocialAccount{
		ID:                    uuid.New(),
		UserID:                userID,
		Provider:              provider,
		ExternalAccountID:     grant.ExternalAccountID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		AccessExpiresAt:       grant.AccessExpiresAt,
		RefreshExpiresAt:      grant.RefreshExpiresAt,
		Scope:                 grant.Scope,
		Status:                domain.AccountActive,
		TokenVersion:          1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// mapCallbackError turns the error query parameter of a callback into a typed
// failure.
func mapCallbackError(provider domain.Provider, code, desc string) error {
	switch code {
	case "access_denied":
		return fmt.Errorf("oauth.HandleCallback: %w", ErrDenied)
	case "server_error", "temporarily_unavailable":
		return &ProviderError{Provider: provider, Op: "callback", Code: code, Transient: true, Err: fmt.Errorf("%s", desc)}
	default:
		return &ProviderError{Provider: provider, Op: "callback", Code: code, Err: fmt.Errorf("%s", desc)}
	}
}

// newStateToken returns a 128-bit random hex token.
func newStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
