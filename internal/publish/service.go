package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/limiter"
	"github.com/fanforge/socialcore/internal/oauth"
)

// TokenSource serves access tokens valid long enough to survive the publish
// call.
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID uuid.UUID) (string, error)
}

// Service orchestrates one publish attempt: resolve the account, pass the rate
// gate, reserve a quota slot, then hand the media to the platform.
type Service struct {
	accounts   domain.AccountRepository
	posts      domain.PostRepository
	tokens     TokenSource
	limiter    *limiter.PublishLimiter
	publishers map[domain.Provider]Publisher
	quota      int
	window     time.Duration
}

func NewService(accounts domain.AccountRepository, posts domain.PostRepository, tokens TokenSource, lim *limiter.PublishLimiter, quota int, window time.Duration) *Service {
	return &Service{
		accounts:   accounts,
		posts:      posts,
		tokens:     tokens,
		limiter:    lim,
		publishers: make(map[domain.Provider]Publisher),
		quota:      quota,
		window:     window,
	}
}

// RegisterPublisher attaches the platform client for a provider.
func (s *Service) RegisterPublisher(provider domain.Provider, p Publisher) {
	s.publishers[provider] = p
}

// Publish pushes media to the user's account on the given platform and
// returns the tracking record. The returned post is processing when the
// platform confirms completion later via webhook and published when the call
// completed synchronously.
func (s *Service) Publish(ctx context.Context, userID uuid.UUID, provider domain.Provider, mediaURL, caption string) (*domain.PlatformPost, error) {
	pub, ok := s.publishers[provider]
	if !ok {
		return nil, fmt.Errorf("publish.Publish: %q: %w", provider, domain.ErrUnknownProvider)
	}

	account, err := s.accounts.GetByUserProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}
	if account.Status != domain.AccountActive {
		return nil, fmt.Errorf("publish.Publish: status %s: %w", account.Status, domain.ErrNeedsReauth)
	}

	if err := s.limiter.Allow(account.ID); err != nil {
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}

	token, err := s.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}

	now := time.Now()
	post := &domain.PlatformPost{
		ID:        uuid.New(),
		AccountID: account.ID,
		UserID:    userID,
		Provider:  provider,
		Caption:   caption,
		MediaURL:  mediaURL,
		Status:    domain.PostPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The quota slot is reserved before the platform call so in-flight
	// attempts count against the cap.
	if err := s.posts.CreatePending(ctx, post, s.quota, s.window); err != nil {
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}

	result, err := pub.Publish(ctx, token, Request{
		MediaURL:          mediaURL,
		Caption:           caption,
		ExternalAccountID: account.ExternalAccountID,
	})
	if err != nil {
		s.failPost(ctx, post.ID, err)
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}

	if err := s.posts.SetPublishID(ctx, post.ID, result.PublishID, result.Status); err != nil {
		return nil, fmt.Errorf("publish.Publish: %w", err)
	}

	post.PublishID = result.PublishID
	post.Status = result.Status

	log.Info().
		Str("post_id", post.ID.String()).
		Str("provider", string(provider)).
		Str("publish_id", result.PublishID).
		Str("status", string(result.Status)).
		Msg("publish started")

	return post, nil
}

// GetPost returns one post, checking ownership.
func (s *Service) GetPost(ctx context.Context, userID, postID uuid.UUID) (*domain.PlatformPost, error) {
	p, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("publish.GetPost: %w", err)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("publish.GetPost: %w", domain.ErrNotFound)
	}

	return p, nil
}

// ListPosts returns the account's recent posts, checking ownership.
func (s *Service) ListPosts(ctx context.Context, userID, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("publish.ListPosts: %w", err)
	}
	if account.UserID != userID {
		return nil, fmt.Errorf("publish.ListPosts: %w", domain.ErrNotFound)
	}

	posts, err := s.posts.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("publish.ListPosts: %w", err)
	}

	return posts, nil
}

// failPost records a terminal failure for an attempt that never reached a
// provider-side id. Best effort: the platform error is what the caller sees.
func (s *Service) failPost(ctx context.Context, postID uuid.UUID, cause error) {
	code := "provider_error"
	var pe *oauth.ProviderError
	if errors.As(cause, &pe) && pe.Code != "" {
		code = pe.Code
	}

	if err := s.posts.MarkFailed(ctx, postID, code); err != nil {
		log.Error().Err(err).Str("post_id", postID.String()).Msg("marking post failed")
	}
}
