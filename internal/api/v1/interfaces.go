package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/fanforge/socialcore/internal/domain"
)

// AccountService abstracts account lifecycle operations for handler testing.
// *account.Service satisfies this interface.
type AccountService interface {
	BeginConnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error)
	List(ctx context.Context, userID uuid.UUID) ([]*domain.SocialAccount, error)
	Get(ctx context.Context, userID, accountID uuid.UUID) (*domain.SocialAccount, error)
	Disconnect(ctx context.Context, userID uuid.UUID, provider domain.Provider) error
}

// PublishService abstracts publish operations for handler testing.
// *publish.Service satisfies this interface.
type PublishService interface {
	Publish(ctx context.Context, userID uuid.UUID, provider domain.Provider, mediaURL, caption string) (*domain.PlatformPost, error)
	GetPost(ctx context.Context, userID, postID uuid.UUID) (*domain.PlatformPost, error)
	ListPosts(ctx context.Context, userID, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error)
}

// EventStore narrows the event repository to the operator-facing reads.
type EventStore interface {
	ListDeadLettered(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
}
