package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the processing state of an ingested webhook event.
type EventStatus string

const (
	EventReceived     EventStatus = "received"
	EventProcessing   EventStatus = "processing"
	EventProcessed    EventStatus = "processed"
	EventFailed       EventStatus = "failed"
	EventDeadLettered EventStatus = "dead_lettered"
)

// WebhookEvent is one inbound delivery from a platform. (provider, external_id)
// is unique and enforced by the storage layer: a redelivery inserts nothing and
// the first processed row is the only one that ever produces a domain effect.
type WebhookEvent struct {
	ID          uuid.UUID
	Provider    Provider
	ExternalID  string
	Kind        string
	Payload     []byte
	PayloadHash string
	Status      EventStatus
	// AttemptCount is the number of processing attempts so far.
	AttemptCount int
	// NextAttemptAt gates retries; claimed rows also use it as the claim
	// lease deadline so a crashed worker releases the event when it passes.
	NextAttemptAt time.Time
	LastError     string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// EffectKind tags the domain update an event resolves to.
type EffectKind string

const (
	// EffectNone acknowledges the event without touching domain records.
	EffectNone EffectKind = "none"
	// EffectPostStatus advances a PlatformPost along its lifecycle.
	EffectPostStatus EffectKind = "post_status"
	// EffectAccountStatus marks a social account, e.g. revoked by the user
	// on the platform side.
	EffectAccountStatus EffectKind = "account_status"
)

// Effect is the closed set of domain updates a webhook event may cause. The
// event repository applies the effect and marks the event processed in a
// single transaction, so a crash between the two cannot double-apply on
// redelivery.
type Effect struct {
	Kind EffectKind

	// EffectPostStatus fields.
	Provider   Provider
	PublishID  string
	PostStatus PostStatus
	ErrorCode  string

	// EffectAccountStatus fields.
	ExternalAccountID string
	AccountStatus     AccountStatus
}

// EventRepository is the durable queue behind webhook ingestion.
type EventRepository interface {
	// Enqueue durably records the event. Returns false without error when the
	// (provider, external_id) key already exists (redelivery).
	Enqueue(ctx context.Context, ev *WebhookEvent) (inserted bool, err error)
	// ClaimBatch atomically claims up to limit due events for processing.
	// Claimed events are invisible to other workers until the lease passes.
	ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]*WebhookEvent, error)
	// MarkProcessed applies the effect and flips the event to processed in the
	// same transaction.
	MarkProcessed(ctx context.Context, id uuid.UUID, effect Effect) error
	// MarkFailed schedules a retry.
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	// MarkDeadLettered parks the event for manual inspection.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error
	// ListDeadLettered returns parked events, newest first.
	ListDeadLettered(ctx context.Context, limit int) ([]*WebhookEvent, error)
}
