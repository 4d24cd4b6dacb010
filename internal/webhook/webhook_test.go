package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/webhook"
)

// memEventRepo is an in-memory EventRepository mirroring the durable queue's
// claim and lease semantics.
type memEventRepo struct {
	mu      sync.Mutex
	events  map[uuid.UUID]*domain.WebhookEvent
	byKey   map[string]uuid.UUID
	applied []domain.Effect
	// processErr makes MarkProcessed fail, exercising the retry path.
	processErr error
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{
		events: make(map[uuid.UUID]*domain.WebhookEvent),
		byKey:  make(map[string]uuid.UUID),
	}
}

func (r *memEventRepo) key(provider domain.Provider, externalID string) string {
	return string(provider) + "/" + externalID
}

func (r *memEventRepo) Enqueue(_ context.Context, ev *domain.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(ev.Provider, ev.ExternalID)
	if _, ok := r.byKey[k]; ok {
		return false, nil
	}
	cp := *ev
	r.events[ev.ID] = &cp
	r.byKey[k] = ev.ID
	return true, nil
}

func (r *memEventRepo) ClaimBatch(_ context.Context, limit int, lease time.Duration) ([]*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var out []*domain.WebhookEvent
	for _, ev := range r.events {
		if len(out) >= limit {
			break
		}
		claimable := ev.Status == domain.EventReceived ||
			ev.Status == domain.EventProcessing ||
			ev.Status == domain.EventFailed
		if claimable && !ev.NextAttemptAt.After(now) {
			ev.Status = domain.EventProcessing
			ev.AttemptCount++
			ev.NextAttemptAt = now.Add(lease)
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memEventRepo) MarkProcessed(_ context.Context, id uuid.UUID, effect domain.Effect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processErr != nil {
		return r.processErr
	}
	ev, ok := r.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	ev.Status = domain.EventProcessed
	ev.ProcessedAt = &now
	r.applied = append(r.applied, effect)
	return nil
}

func (r *memEventRepo) MarkFailed(_ context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = domain.EventFailed
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = lastError
	return nil
}

func (r *memEventRepo) MarkDeadLettered(_ context.Context, id uuid.UUID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = domain.EventDeadLettered
	ev.LastError = lastError
	return nil
}

func (r *memEventRepo) ListDeadLettered(_ context.Context, limit int) ([]*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WebhookEvent
	for _, ev := range r.events {
		if ev.Status == domain.EventDeadLettered && len(out) < limit {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memEventRepo) get(id uuid.UUID) *domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

func (r *memEventRepo) appliedEffects() []domain.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Effect(nil), r.applied...)
}

func (r *memEventRepo) firstEvent() *domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		cp := *ev
		return &cp
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// --- Ingress tests ---

func TestIngest_ValidSignatureEnqueues(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)
	ing.RegisterSecret(domain.ProviderTikTok, "tt-secret")

	body := []byte(`{"event_id":"evt-1","event":"post.publish.complete","publish_id":"u-1"}`)

	inserted, err := ing.Ingest(t.Context(), domain.ProviderTikTok, body, sign("tt-secret", body))

	require.NoError(t, err)
	assert.True(t, inserted)

	ev := repo.firstEvent()
	require.NotNil(t, ev)
	assert.Equal(t, "evt-1", ev.ExternalID)
	assert.Equal(t, "post.publish.complete", ev.Kind)
	assert.Equal(t, domain.EventReceived, ev.Status)
	assert.Equal(t, body, ev.Payload)
}

func TestIngest_BadSignatureRejectedWithoutEnqueue(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)
	ing.RegisterSecret(domain.ProviderTikTok, "tt-secret")

	body := []byte(`{"event_id":"evt-1","event":"x"}`)

	_, err := ing.Ingest(t.Context(), domain.ProviderTikTok, body, sign("wrong-secret", body))

	require.Error(t, err)
	var se *webhook.SignatureError
	require.ErrorAs(t, err, &se)
	assert.Nil(t, repo.firstEvent(), "rejected deliveries must never reach the queue")
}

func TestIngest_MissingSignatureHeader(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)
	ing.RegisterSecret(domain.ProviderTikTok, "tt-secret")

	_, err := ing.Ingest(t.Context(), domain.ProviderTikTok, []byte(`{"event_id":"e"}`), "")

	var se *webhook.SignatureError
	require.ErrorAs(t, err, &se)
}

func TestIngest_NoSecretSkipsVerification(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)

	inserted, err := ing.Ingest(t.Context(), domain.ProviderInstagram, []byte(`{"event_id":"e-2"}`), "")

	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestIngest_DuplicateDelivery(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)

	body := []byte(`{"event_id":"evt-dup","event":"post.publish.complete"}`)

	inserted, err := ing.Ingest(t.Context(), domain.ProviderTikTok, body, "")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ing.Ingest(t.Context(), domain.ProviderTikTok, body, "")
	require.NoError(t, err)
	assert.False(t, inserted, "redelivery must be accepted but not re-queued")
}

func TestIngest_MissingEventIDFallsBackToHash(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)

	body := []byte(`{"event":"post.publish.complete","publish_id":"u"}`)

	inserted, err := ing.Ingest(t.Context(), domain.ProviderTikTok, body, "")
	require.NoError(t, err)
	assert.True(t, inserted)

	ev := repo.firstEvent()
	require.NotNil(t, ev)
	assert.Equal(t, ev.PayloadHash, ev.ExternalID)

	// Same bytes, same key: still a duplicate.
	inserted, err = ing.Ingest(t.Context(), domain.ProviderTikTok, body, "")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestIngest_MalformedBody(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)

	_, err := ing.Ingest(t.Context(), domain.ProviderTikTok, []byte(`not json`), "")

	require.ErrorIs(t, err, webhook.ErrMalformedPayload)
	assert.Nil(t, repo.firstEvent())
}

// --- Processor tests ---

func testProcessorConfig() webhook.ProcessorConfig {
	return webhook.ProcessorConfig{
		Workers:      2,
		BatchSize:    10,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Second,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		MaxAttempts:  3,
	}
}

func runProcessor(t *testing.T, repo *memEventRepo, cfg webhook.ProcessorConfig) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		webhook.NewProcessor(repo, cfg).Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func enqueue(t *testing.T, repo *memEventRepo, provider domain.Provider, body string) uuid.UUID {
	t.Helper()

	ing := webhook.NewIngress(repo)
	inserted, err := ing.Ingest(t.Context(), provider, []byte(body), "")
	require.NoError(t, err)
	require.True(t, inserted)
	return repo.firstEvent().ID
}

func TestProcessor_AppliesPublishCompleteEffect(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	id := enqueue(t, repo, domain.ProviderTikTok,
		`{"event_id":"e1","event":"post.publish.complete","publish_id":"upload-9"}`)

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		ev := repo.get(id)
		return ev != nil && ev.Status == domain.EventProcessed
	}, 2*time.Second, 5*time.Millisecond)

	effects := repo.appliedEffects()
	require.Len(t, effects, 1)
	assert.Equal(t, domain.EffectPostStatus, effects[0].Kind)
	assert.Equal(t, "upload-9", effects[0].PublishID)
	assert.Equal(t, domain.PostPublished, effects[0].PostStatus)
}

func TestProcessor_PublishFailedCarriesReason(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	// TikTok nests details as a JSON string under content.
	id := enqueue(t, repo, domain.ProviderTikTok,
		`{"event_id":"e2","event":"post.publish.failed","content":"{\"publish_id\":\"upload-3\",\"reason\":\"video_too_long\"}"}`)

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		ev := repo.get(id)
		return ev != nil && ev.Status == domain.EventProcessed
	}, 2*time.Second, 5*time.Millisecond)

	effects := repo.appliedEffects()
	require.Len(t, effects, 1)
	assert.Equal(t, domain.PostFailed, effects[0].PostStatus)
	assert.Equal(t, "video_too_long", effects[0].ErrorCode)
}

func TestProcessor_ContainerStatusReport(t *testing.T) {
	t.Parallel()

	t.Run("finished_publishes", func(t *testing.T) {
		t.Parallel()

		repo := newMemEventRepo()
		id := enqueue(t, repo, domain.ProviderInstagram,
			`{"event_id":"e5","event":"publish.status","publish_id":"container-1","status":"FINISHED"}`)

		runProcessor(t, repo, testProcessorConfig())

		require.Eventually(t, func() bool {
			ev := repo.get(id)
			return ev != nil && ev.Status == domain.EventProcessed
		}, 2*time.Second, 5*time.Millisecond)

		effects := repo.appliedEffects()
		require.Len(t, effects, 1)
		assert.Equal(t, domain.PostPublished, effects[0].PostStatus)
		assert.Equal(t, "container-1", effects[0].PublishID)
	})

	t.Run("expired_fails", func(t *testing.T) {
		t.Parallel()

		repo := newMemEventRepo()
		id := enqueue(t, repo, domain.ProviderInstagram,
			`{"event_id":"e6","event":"publish.status","publish_id":"container-2","status":"EXPIRED"}`)

		runProcessor(t, repo, testProcessorConfig())

		require.Eventually(t, func() bool {
			ev := repo.get(id)
			return ev != nil && ev.Status == domain.EventProcessed
		}, 2*time.Second, 5*time.Millisecond)

		effects := repo.appliedEffects()
		require.Len(t, effects, 1)
		assert.Equal(t, domain.PostFailed, effects[0].PostStatus)
		assert.Equal(t, "container_expired", effects[0].ErrorCode)
	})

	t.Run("in_progress_acked_without_effect", func(t *testing.T) {
		t.Parallel()

		repo := newMemEventRepo()
		id := enqueue(t, repo, domain.ProviderInstagram,
			`{"event_id":"e7","event":"publish.status","publish_id":"container-3","status":"IN_PROGRESS"}`)

		runProcessor(t, repo, testProcessorConfig())

		require.Eventually(t, func() bool {
			ev := repo.get(id)
			return ev != nil && ev.Status == domain.EventProcessed
		}, 2*time.Second, 5*time.Millisecond)

		effects := repo.appliedEffects()
		require.Len(t, effects, 1)
		assert.Equal(t, domain.EffectNone, effects[0].Kind)
	})
}

func TestProcessor_AuthorizationRemovedRevokesAccount(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	id := enqueue(t, repo, domain.ProviderTikTok,
		`{"event_id":"e3","event":"authorization.removed","user_openid":"open-7"}`)

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		ev := repo.get(id)
		return ev != nil && ev.Status == domain.EventProcessed
	}, 2*time.Second, 5*time.Millisecond)

	effects := repo.appliedEffects()
	require.Len(t, effects, 1)
	assert.Equal(t, domain.EffectAccountStatus, effects[0].Kind)
	assert.Equal(t, "open-7", effects[0].ExternalAccountID)
	assert.Equal(t, domain.AccountRevoked, effects[0].AccountStatus)
}

func TestProcessor_UnknownKindAcknowledged(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	id := enqueue(t, repo, domain.ProviderTikTok,
		`{"event_id":"e4","event":"comment.created"}`)

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		ev := repo.get(id)
		return ev != nil && ev.Status == domain.EventProcessed
	}, 2*time.Second, 5*time.Millisecond)

	effects := repo.appliedEffects()
	require.Len(t, effects, 1)
	assert.Equal(t, domain.EffectNone, effects[0].Kind)
}

func TestProcessor_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	repo.processErr = errors.New("downstream out")
	id := enqueue(t, repo, domain.ProviderTikTok,
		`{"event_id":"e5","event":"post.publish.complete","publish_id":"u"}`)

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		ev := repo.get(id)
		return ev != nil && ev.Status == domain.EventDeadLettered
	}, 5*time.Second, 5*time.Millisecond)

	ev := repo.get(id)
	assert.GreaterOrEqual(t, ev.AttemptCount, 3, "must exhaust attempts before dead-lettering")
	assert.Contains(t, ev.LastError, "downstream out")

	listed, err := repo.ListDeadLettered(t.Context(), 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestProcessor_DuplicateDeliveryProcessedOnce(t *testing.T) {
	t.Parallel()

	repo := newMemEventRepo()
	ing := webhook.NewIngress(repo)

	body := []byte(`{"event_id":"e6","event":"post.publish.complete","publish_id":"u-6"}`)
	for range 3 {
		_, err := ing.Ingest(t.Context(), domain.ProviderTikTok, body, "")
		require.NoError(t, err)
	}

	runProcessor(t, repo, testProcessorConfig())

	require.Eventually(t, func() bool {
		return len(repo.appliedEffects()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Give the processor room to misbehave before asserting nothing else ran.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, repo.appliedEffects(), 1, "one delivery, one effect, regardless of redeliveries")
}
