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

type PostRepo struct {
	pool *pgxpool.Pool
}

func NewPostRepo(pool *pgxpool.Pool) *PostRepo {
	return &PostRepo{pool: pool}
}

const postColumns = `id, account_id, user_id, provider, publish_id,
	caption, media_url, status, error_code, created_at, updated_at`

func (r *PostRepo) CreatePending(ctx context.Context, p *domain.PlatformPost, quota int, window time.Duration) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// Serialize quota checks per account. Row locks cannot stop two
		// transactions from inserting past the cap at the same time, so the
		// count-then-insert runs under a per-account advisory lock instead.
		_, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
			p.AccountID)
		if err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		since := time.Now().Add(-window)

		var pending int
		var oldest *time.Time
		err = tx.QueryRow(ctx,
			`SELECT count(*), min(created_at) FROM platform_posts
			 WHERE account_id = $1 AND status IN ($2, $3) AND created_at >= $4`,
			p.AccountID, domain.PostPending, domain.PostProcessing, since,
		).Scan(&pending, &oldest)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}

		if pending >= quota {
			resetAt := time.Now().Add(window)
			if oldest != nil {
				resetAt = oldest.Add(window)
			}
			return &domain.QuotaError{Limit: quota, Pending: pending, ResetAt: resetAt}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO platform_posts (id, account_id, user_id, provider, publish_id,
			     caption, media_url, status, error_code, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.AccountID, p.UserID, p.Provider, nilIfEmpty(p.PublishID),
			p.Caption, p.MediaURL, p.Status, nilIfEmpty(p.ErrorCode),
			p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}

		return nil
	})
	if err != nil {
		var qerr *domain.QuotaError
		if errors.As(err, &qerr) {
			return qerr
		}
		return fmt.Errorf("postRepo.CreatePending: %w", err)
	}

	return nil
}

func (r *PostRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PlatformPost, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM platform_posts WHERE id = $1`, id)

	p, err := scanPost(row)
	if err != nil {
		return nil, fmt.Errorf("postRepo.GetByID: %w", err)
	}

	return p, nil
}

func (r *PostRepo) GetByPublishID(ctx context.Context, provider domain.Provider, publishID string) (*domain.PlatformPost, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+postColumns+` FROM platform_posts
		 WHERE provider = $1 AND publish_id = $2`,
		provider, publishID)

	p, err := scanPost(row)
	if err != nil {
		return nil, fmt.Errorf("postRepo.GetByPublishID: %w", err)
	}

	return p, nil
}

func (r *PostRepo) SetPublishID(ctx context.Context, id uuid.UUID, publishID string, status domain.PostStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE platform_posts SET publish_id = $1, status = $2, updated_at = now()
		 WHERE id = $3`,
		publishID, status, id)
	if err != nil {
		return fmt.Errorf("postRepo.SetPublishID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postRepo.SetPublishID: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *PostRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorCode string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE platform_posts SET status = $1, error_code = $2, updated_at = now()
		 WHERE id = $3`,
		domain.PostFailed, nilIfEmpty(errorCode), id)
	if err != nil {
		return fmt.Errorf("postRepo.MarkFailed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postRepo.MarkFailed: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *PostRepo) AdvanceStatus(ctx context.Context, provider domain.Provider, publishID string, status domain.PostStatus, errorCode string) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var current domain.PostStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM platform_posts
			 WHERE provider = $1 AND publish_id = $2
			 FOR UPDATE`,
			provider, publishID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}

		if !current.CanTransition(status) {
			return fmt.Errorf("%s -> %s: %w", current, status, domain.ErrInvalidTransition)
		}

		_, err = tx.Exec(ctx,
			`UPDATE platform_posts SET status = $1, error_code = $2, updated_at = now()
			 WHERE provider = $3 AND publish_id = $4`,
			status, nilIfEmpty(errorCode), provider, publishID)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("postRepo.AdvanceStatus: %w", err)
	}

	return nil
}

func (r *PostRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+postColumns+` FROM platform_posts
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("postRepo.ListByAccount: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlatformPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("postRepo.ListByAccount: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postRepo.ListByAccount: %w", err)
	}

	return out, nil
}

func scanPost(row pgx.Row) (*domain.PlatformPost, error) {
	var p domain.PlatformPost
	var publishID, errorCode *string

	err := row.Scan(&p.ID, &p.AccountID, &p.UserID, &p.Provider, &publishID,
		&p.Caption, &p.MediaURL, &p.Status, &errorCode, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.PublishID = derefStr(publishID)
	p.ErrorCode = derefStr(errorCode)

	return &p, nil
}
