package v1_test

import (
	"context"

	"github.com/google/uuid"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/server/middleware"
)

// userCtx injects an authenticated user into the request context for DoCtx.
func userCtx(userID uuid.UUID) context.Context {
	return context.WithValue(context.Background(), middleware.ContextKeyUserID, userID)
}

// ---------------------------------------------------------------------------
// Mock AccountService
// ---------------------------------------------------------------------------

type mockAccountService struct {
	beginConnectFunc func(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error)
	listFunc         func(ctx context.Context, userID uuid.UUID) ([]*domain.SocialAccount, error)
	getFunc          func(ctx context.Context, userID, accountID uuid.UUID) (*domain.SocialAccount, error)
	disconnectFunc   func(ctx context.Context, userID uuid.UUID, provider domain.Provider) error
}

func (m *mockAccountService) BeginConnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error) {
	return m.beginConnectFunc(ctx, userID, provider)
}

func (m *mockAccountService) List(ctx context.Context, userID uuid.UUID) ([]*domain.SocialAccount, error) {
	return m.listFunc(ctx, userID)
}

func (m *mockAccountService) Get(ctx context.Context, userID, accountID uuid.UUID) (*domain.SocialAccount, error) {
	return m.getFunc(ctx, userID, accountID)
}

func (m *mockAccountService) Disconnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	return m.disconnectFunc(ctx, userID, provider)
}

// ---------------------------------------------------------------------------
// Mock PublishService
// ---------------------------------------------------------------------------

type mockPublishService struct {
	publishFunc   func(ctx context.Context, userID uuid.UUID, provider domain.Provider, mediaURL, caption string) (*domain.PlatformPost, error)
	getPostFunc   func(ctx context.Context, userID, postID uuid.UUID) (*domain.PlatformPost, error)
	listPostsFunc func(ctx context.Context, userID, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error)
}

func (m *mockPublishService) Publish(ctx context.Context, userID uuid.UUID, provider domain.Provider, mediaURL, caption string) (*domain.PlatformPost, error) {
	return m.publishFunc(ctx, userID, provider, mediaURL, caption)
}

func (m *mockPublishService) GetPost(ctx context.Context, userID, postID uuid.UUID) (*domain.PlatformPost, error) {
	return m.getPostFunc(ctx, userID, postID)
}

func (m *mockPublishService) ListPosts(ctx context.Context, userID, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error) {
	return m.listPostsFunc(ctx, userID, accountID, limit)
}

// ---------------------------------------------------------------------------
// Mock EventStore
// ---------------------------------------------------------------------------

type mockEventStore struct {
	listDeadLetteredFunc func(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
}

func (m *mockEventStore) ListDeadLettered(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	return m.listDeadLetteredFunc(ctx, limit)
}
