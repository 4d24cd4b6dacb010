package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanforge/socialcore/internal/domain"
)

// EventRepo is the durable webhook queue. Events are claimed with
// FOR UPDATE SKIP LOCKED so workers never contend on the same row, and
// next_attempt_at doubles as the claim lease: a claimed row whose lease has
// passed is claimable again, which releases events held by crashed workers.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

const eventColumns = `id, provider, external_id, kind, payload, payload_hash,
	status, attempt_count, next_attempt_at, last_error, received_at, processed_at`

func (r *EventRepo) Enqueue(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, provider, external_id, kind, payload,
		     payload_hash, status, attempt_count, next_attempt_at, last_error,
		     received_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (provider, external_id) DO NOTHING`,
		ev.ID, ev.Provider, ev.ExternalID, ev.Kind, ev.Payload,
		ev.PayloadHash, ev.Status, ev.AttemptCount, ev.NextAttemptAt,
		nilIfEmpty(ev.LastError), ev.ReceivedAt, ev.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("eventRepo.Enqueue: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (r *EventRepo) ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]*domain.WebhookEvent, error) {
	var out []*domain.WebhookEvent

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		now := time.Now()

		rows, err := tx.Query(ctx,
			`SELECT `+eventColumns+` FROM webhook_events
			 WHERE status IN ($1, $2, $3) AND next_attempt_at <= $4
			 ORDER BY next_attempt_at
			 LIMIT $5
			 FOR UPDATE SKIP LOCKED`,
			domain.EventReceived, domain.EventProcessing, domain.EventFailed,
			now, limit)
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan: %w", err)
			}
			out = append(out, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows: %w", err)
		}

		if len(out) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(out))
		for i, ev := range out {
			ids[i] = ev.ID
		}

		deadline := now.Add(lease)
		_, err = tx.Exec(ctx,
			`UPDATE webhook_events
			 SET status = $1, attempt_count = attempt_count + 1, next_attempt_at = $2
			 WHERE id = ANY($3)`,
			domain.EventProcessing, deadline, ids)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}

		for _, ev := range out {
			ev.Status = domain.EventProcessing
			ev.AttemptCount++
			ev.NextAttemptAt = deadline
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventRepo.ClaimBatch: %w", err)
	}

	return out, nil
}

func (r *EventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, effect domain.Effect) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := applyEffect(ctx, tx, effect)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE webhook_events SET status = $1, processed_at = now(), last_error = NULL
			 WHERE id = $2`,
			domain.EventProcessed, id)
		if err != nil {
			return fmt.Errorf("mark: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("eventRepo.MarkProcessed: %w", err)
	}

	return nil
}

// applyEffect runs the event's domain update inside the same transaction that
// marks the event processed. Updates that target a record we do not know, or
// that would move a post backwards, are skipped rather than failed: platforms
// redeliver and reorder, and a stale status report is not retryable.
func applyEffect(ctx context.Context, tx pgx.Tx, effect domain.Effect) error {
	switch effect.Kind {
	case domain.EffectNone:
		return nil

	case domain.EffectPostStatus:
		var current domain.PostStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM platform_posts
			 WHERE provider = $1 AND publish_id = $2
			 FOR UPDATE`,
			effect.Provider, effect.PublishID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("effect select: %w", err)
		}
		if !current.CanTransition(effect.PostStatus) {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE platform_posts SET status = $1, error_code = $2, updated_at = now()
			 WHERE provider = $3 AND publish_id = $4`,
			effect.PostStatus, nilIfEmpty(effect.ErrorCode),
			effect.Provider, effect.PublishID)
		if err != nil {
			return fmt.Errorf("effect update: %w", err)
		}
		return nil

	case domain.EffectAccountStatus:
		_, err := tx.Exec(ctx,
			`UPDATE social_accounts SET status = $1, updated_at = now()
			 WHERE provider = $2 AND external_account_id = $3`,
			effect.AccountStatus, effect.Provider, effect.ExternalAccountID)
		if err != nil {
			return fmt.Errorf("effect update: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown effect kind %q", effect.Kind)
	}
}

func (r *EventRepo) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $1, next_attempt_at = $2, last_error = $3
		 WHERE id = $4`,
		domain.EventFailed, nextAttemptAt, nilIfEmpty(lastError), id)
	if err != nil {
		return fmt.Errorf("eventRepo.MarkFailed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("eventRepo.MarkFailed: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *EventRepo) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $1, last_error = $2
		 WHERE id = $3`,
		domain.EventDeadLettered, nilIfEmpty(lastError), id)
	if err != nil {
		return fmt.Errorf("eventRepo.MarkDeadLettered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("eventRepo.MarkDeadLettered: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *EventRepo) ListDeadLettered(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
		 WHERE status = $1 ORDER BY received_at DESC LIMIT $2`,
		domain.EventDeadLettered, limit)
	if err != nil {
		return nil, fmt.Errorf("eventRepo.ListDeadLettered: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventRepo.ListDeadLettered: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventRepo.ListDeadLettered: %w", err)
	}

	return out, nil
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var lastError *string

	err := row.Scan(&ev.ID, &ev.Provider, &ev.ExternalID, &ev.Kind, &ev.Payload,
		&ev.PayloadHash, &ev.Status, &ev.AttemptCount, &ev.NextAttemptAt,
		&lastError, &ev.ReceivedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.LastError = derefStr(lastError)

	return &ev, nil
}
