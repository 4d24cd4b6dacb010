// Package webhook ingests platform event deliveries into a durable queue and
// processes them asynchronously with a worker pool.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
)

// ErrMalformedPayload marks a delivery whose body is not valid JSON.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// SignatureError rejects a delivery whose HMAC does not match. Deliveries
// failing verification are never enqueued.
type SignatureError struct {
	Provider domain.Provider
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook: %s signature rejected: %s", e.Provider, e.Reason)
}

// envelope is the minimal shape read off a delivery before it is queued. The
// full payload travels as raw bytes; parsing for effects happens in the
// processor.
type envelope struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
}

// Ingress verifies and durably enqueues inbound deliveries. Acknowledgement is
// decoupled from processing: once Ingest returns nil the delivery is safe and
// the HTTP layer may answer 200.
type Ingress struct {
	events  domain.EventRepository
	secrets map[domain.Provider]string
}

func NewIngress(events domain.EventRepository) *Ingress {
	return &Ingress{
		events:  events,
		secrets: make(map[domain.Provider]string),
	}
}

// RegisterSecret attaches the shared HMAC secret for a provider. An empty
// secret disables verification for that provider.
func (i *Ingress) RegisterSecret(provider domain.Provider, secret string) {
	i.secrets[provider] = secret
}

// Ingest verifies the delivery signature over the exact raw bytes and enqueues
// the event. Returns false without error for a redelivery of a known event.
func (i *Ingress) Ingest(ctx context.Context, provider domain.Provider, body []byte, signature string) (bool, error) {
	if err := i.verify(provider, body, signature); err != nil {
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("webhook.Ingest: %w: %w", ErrMalformedPayload, err)
	}

	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])

	// Deliveries without an event id dedupe on content instead.
	externalID := env.EventID
	if externalID == "" {
		externalID = payloadHash
	}

	now := time.Now()
	ev := &domain.WebhookEvent{
		ID:            uuid.New(),
		Provider:      provider,
		ExternalID:    externalID,
		Kind:          env.Event,
		Payload:       body,
		PayloadHash:   payloadHash,
		Status:        domain.EventReceived,
		NextAttemptAt: now,
		ReceivedAt:    now,
	}

	inserted, err := i.events.Enqueue(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("webhook.Ingest: %w", err)
	}

	if !inserted {
		log.Debug().
			Str("provider", string(provider)).
			Str("external_id", externalID).
			Msg("duplicate webhook delivery ignored")
	}

	return inserted, nil
}

// verify checks the "sha256=<hex>" HMAC header value against the raw body.
func (i *Ingress) verify(provider domain.Provider, body []byte, signature string) error {
	secret := i.secrets[provider]
	if secret == "" {
		return nil
	}

	given, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || given == "" {
		return &SignatureError{Provider: provider, Reason: "missing or malformed signature header"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(given)) {
		return &SignatureError{Provider: provider, Reason: "digest mismatch"}
	}

	return nil
}
