package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/fanforge/socialcore/internal/domain"
)

// HTTPClient is the subset of http.Client the provider needs, injectable for
// tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultRefreshTokenTTL is assumed when the token endpoint does not report
// a refresh token lifetime.
const defaultRefreshTokenTTL = 60 * 24 * time.Hour

// TokenGrant is the canonical result of a code exchange or a refresh call.
type TokenGrant struct {
	AccessToken       string
	RefreshToken      string
	AccessExpiresAt   time.Time
	RefreshExpiresAt  time.Time
	Scope             string
	ExternalAccountID string
}

// Provider holds the OAuth2 configuration for one social platform.
type Provider struct {
	Name        domain.Provider
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Scopes      []string
	RedirectURL string

	// HTTPClient serves the user-info fetch; defaults to http.DefaultClient.
	HTTPClient HTTPClient

	// oauthConfig is the compiled oauth2.Config.
	oauthConfig *oauth2.Config
}

// NewTikTokProvider returns the OAuth2 configuration for TikTok's open API.
// TikTok reports the account's open_id directly in the token response.
func NewTikTokProvider(clientKey, clientSecret, redirectURL string) *Provider {
	p := &Provider{
		Name:        domain.ProviderTikTok,
		AuthURL:     "https://www.tiktok.com/v2/auth/authorize/",
		TokenURL:    "https://open.tiktokapis.com/v2/oauth/token/",
		UserInfoURL: "https://open.tiktokapis.com/v2/user/info/",
		Scopes:      []string{"user.info.basic", "video.publish"},
		RedirectURL: redirectURL,
	}
	p.oauthConfig = buildConfig(p, clientKey, clientSecret)
	return p
}

// NewInstagramProvider returns the OAuth2 configuration for Instagram via the
// Meta Graph API.
func NewInstagramProvider(clientID, clientSecret, redirectURL string) *Provider {
	p := &Provider{
		Name:        domain.ProviderInstagram,
		AuthURL:     "https://www.facebook.com/v20.0/dialog/oauth",
		TokenURL:    "https://graph.facebook.com/v20.0/oauth/access_token",
		UserInfoURL: "https://graph.facebook.com/v20.0/me?fields=id,name",
		Scopes:      []string{"instagram_basic", "instagram_content_publish", "pages_show_list"},
		RedirectURL: redirectURL,
	}
	p.oauthConfig = buildConfig(p, clientID, clientSecret)
	return p
}

func buildConfig(p *Provider, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes:      p.Scopes,
		RedirectURL: p.RedirectURL,
	}
}

// AuthorizationURL returns the provider's authorization URL carrying the given
// state parameter.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange swaps an authorization code for a token grant and resolves the
// provider-side account ID.
func (p *Provider) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError(p.Name, "exchange", err)
	}

	grant := p.grantFromToken(token)

	if grant.ExternalAccountID == "" {
		externalID, infoErr := p.fetchAccountID(ctx, token.AccessToken)
		if infoErr != nil {
			return nil, fmt.Errorf("oauth.Exchange: %w", infoErr)
		}
		grant.ExternalAccountID = externalID
	}

	return grant, nil
}

// Refresh exchanges a refresh token for a new grant. When the provider rotates
// refresh tokens, the returned grant carries the replacement and the presented
// token is dead.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(p.Name, "refresh", err)
	}

	grant := p.grantFromToken(token)
	if grant.RefreshToken == "" {
		// Provider did not rotate; the presented token stays valid.
		grant.RefreshToken = refreshToken
	}

	return grant, nil
}

// grantFromToken maps an oauth2 token and its raw extras into the canonical
// grant shape.
func (p *Provider) grantFromToken(token *oauth2.Token) *TokenGrant {
	grant := &TokenGrant{
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		AccessExpiresAt:  token.Expiry,
		RefreshExpiresAt: time.Now().Add(defaultRefreshTokenTTL),
	}

	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scope = scope
	}

	// TikTok reports open_id and refresh_expires_in alongside the tokens.
	if openID, ok := token.Extra("open_id").(string); ok {
		grant.ExternalAccountID = openID
	}
	if refreshIn, ok := token.Extra("refresh_expires_in").(float64); ok && refreshIn > 0 {
		grant.RefreshExpiresAt = time.Now().Add(time.Duration(refreshIn) * time.Second)
	}

	return grant
}

type userInfoResponse struct {
	ID string `json:"id"`
}

// fetchAccountID resolves the provider-side account ID for providers that do
// not include it in the token response.
func (p *Provider) fetchAccountID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("oauth.fetchAccountID: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: p.Name, Op: "userinfo", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Provider:  p.Name,
			Op:        "userinfo",
			Transient: resp.StatusCode >= http.StatusInternalServerError,
			Err:       fmt.Errorf("user info returned %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oauth.fetchAccountID: reading user info: %w", err)
	}

	var info userInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("oauth.fetchAccountID: parse user info: %w", err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("oauth.fetchAccountID: user info missing id")
	}

	return info.ID, nil
}

// classifyTokenError maps a token-endpoint failure into a ProviderError,
// marking grant rejections permanent and everything else retryable.
func classifyTokenError(provider domain.Provider, op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		permanent := code == "invalid_grant" || code == "invalid_scope" || code == "access_denied" ||
			retrieveErr.Response.StatusCode == http.StatusBadRequest ||
			retrieveErr.Response.StatusCode == http.StatusUnauthorized
		return &ProviderError{
			Provider:  provider,
			Op:        op,
			Code:      code,
			Transient: !permanent,
			Err:       err,
		}
	}

	// Network failures and 5xx responses are worth retrying.
	return &ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
}
