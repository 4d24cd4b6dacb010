package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PostStatus is the publish lifecycle state of a PlatformPost.
type PostStatus string

const (
	PostPending    PostStatus = "pending"
	PostProcessing PostStatus = "processing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s PostStatus) Terminal() bool {
	return s == PostPublished || s == PostFailed
}

// rank orders statuses along the publish lifecycle. Transitions are monotonic:
// a post never moves backwards (no published -> pending).
func (s PostStatus) rank() int {
	switch s {
	case PostPending:
		return 0
	case PostProcessing:
		return 1
	case PostPublished, PostFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is allowed.
func (s PostStatus) CanTransition(next PostStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// PlatformPost records one publish attempt against a social platform.
// (provider, publish_id) is unique.
type PlatformPost struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	UserID    uuid.UUID
	Provider  Provider
	// PublishID is the provider-side identifier for the publish operation
	// (TikTok upload_id, Instagram media container id).
	PublishID string
	Caption   string
	MediaURL  string
	Status    PostStatus
	ErrorCode string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PostRepository persists publish records and enforces the rolling pending
// quota at insert time.
type PostRepository interface {
	// CreatePending inserts the post in pending state. The count of
	// non-terminal posts for the account within the trailing window is checked
	// inside the same transaction as the insert, so two concurrent publishes
	// cannot both slip past the quota. Returns *QuotaError when full.
	CreatePending(ctx context.Context, p *PlatformPost, quota int, window time.Duration) error
	GetByID(ctx context.Context, id uuid.UUID) (*PlatformPost, error)
	GetByPublishID(ctx context.Context, provider Provider, publishID string) (*PlatformPost, error)
	// SetPublishID records the provider-side id once the upload call returned.
	SetPublishID(ctx context.Context, id uuid.UUID, publishID string, status PostStatus) error
	// MarkFailed moves the post to failed by row id, for attempts that died
	// before a provider-side id existed.
	MarkFailed(ctx context.Context, id uuid.UUID, errorCode string) error
	// AdvanceStatus applies a monotonic status transition by publish id.
	// Returns ErrInvalidTransition when the move would go backwards and
	// ErrNotFound when no such post exists.
	AdvanceStatus(ctx context.Context, provider Provider, publishID string, status PostStatus, errorCode string) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*PlatformPost, error)
}
