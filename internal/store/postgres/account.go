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

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, user_id, provider, external_account_id,
	encrypted_access_token, encrypted_refresh_token,
	access_expires_at, refresh_expires_at, scope, status, token_version,
	created_at, updated_at`

func (r *AccountRepo) Upsert(ctx context.Context, a *domain.SocialAccount) error {
	// Reconnecting overwrites the previous grant wholesale: fresh tokens,
	// version reset, status back to active.
	_, err := r.pool.Exec(ctx,
		`INSERT INTO social_accounts (id, user_id, provider, external_account_id,
		     encrypted_access_token, encrypted_refresh_token,
		     access_expires_at, refresh_expires_at, scope, status, token_version,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		     external_account_id     = EXCLUDED.external_account_id,
		     encrypted_access_token  = EXCLUDED.encrypted_access_token,
		     encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
		     access_expires_at       = EXCLUDED.access_expires_at,
		     refresh_expires_at      = EXCLUDED.refresh_expires_at,
		     scope                   = EXCLUDED.scope,
		     status                  = EXCLUDED.status,
		     token_version           = EXCLUDED.token_version,
		     updated_at              = EXCLUDED.updated_at`,
		a.ID, a.UserID, a.Provider, a.ExternalAccountID,
		a.EncryptedAccessToken, a.EncryptedRefreshToken,
		a.AccessExpiresAt, a.RefreshExpiresAt, a.Scope, a.Status, a.TokenVersion,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("accountRepo.Upsert: %w", err)
	}

	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.SocialAccount, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM social_accounts WHERE id = $1`, id)

	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("accountRepo.GetByID: %w", err)
	}

	return a, nil
}

func (r *AccountRepo) GetByUserProvider(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*domain.SocialAccount, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM social_accounts
		 WHERE user_id = $1 AND provider = $2`,
		userID, provider)

	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("accountRepo.GetByUserProvider: %w", err)
	}

	return a, nil
}

func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.SocialAccount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM social_accounts
		 WHERE user_id = $1 ORDER BY provider`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("accountRepo.ListByUser: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows, "accountRepo.ListByUser")
}

func (r *AccountRepo) ListExpiring(ctx context.Context, lookahead time.Duration, limit int) ([]*domain.SocialAccount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM social_accounts
		 WHERE status = $1 AND access_expires_at <= $2
		 ORDER BY access_expires_at
		 LIMIT $3`,
		domain.AccountActive, time.Now().Add(lookahead), limit)
	if err != nil {
		return nil, fmt.Errorf("accountRepo.ListExpiring: %w", err)
	}
	defer rows.Close()

	return collectAccounts(rows, "accountRepo.ListExpiring")
}

func (r *AccountRepo) SwapTokens(ctx context.Context, id uuid.UUID, expectedVersion int64, pair domain.TokenPair) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE social_accounts SET
		     encrypted_access_token  = $1,
		     encrypted_refresh_token = $2,
		     access_expires_at       = $3,
		     refresh_expires_at      = $4,
		     status                  = $5,
		     token_version           = token_version + 1,
		     updated_at              = now()
		 WHERE id = $6 AND token_version = $7`,
		pair.EncryptedAccessToken, pair.EncryptedRefreshToken,
		pair.AccessExpiresAt, pair.RefreshExpiresAt,
		domain.AccountActive, id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("accountRepo.SwapTokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS race from a missing row.
		var exists bool
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM social_accounts WHERE id = $1)`, id,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("accountRepo.SwapTokens: %w", err)
		}
		if !exists {
			return fmt.Errorf("accountRepo.SwapTokens: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("accountRepo.SwapTokens: %w", domain.ErrVersionConflict)
	}

	return nil
}

func (r *AccountRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE social_accounts SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("accountRepo.SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("accountRepo.SetStatus: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *AccountRepo) SetStatusByExternalID(ctx context.Context, provider domain.Provider, externalAccountID string, status domain.AccountStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE social_accounts SET status = $1, updated_at = now()
		 WHERE provider = $2 AND external_account_id = $3`,
		status, provider, externalAccountID)
	if err != nil {
		return fmt.Errorf("accountRepo.SetStatusByExternalID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("accountRepo.SetStatusByExternalID: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *AccountRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM social_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("accountRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("accountRepo.Delete: %w", domain.ErrNotFound)
	}

	return nil
}

func scanAccount(row pgx.Row) (*domain.SocialAccount, error) {
	var a domain.SocialAccount
	var scope *string

	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.ExternalAccountID,
		&a.EncryptedAccessToken, &a.EncryptedRefreshToken,
		&a.AccessExpiresAt, &a.RefreshExpiresAt, &scope, &a.Status, &a.TokenVersion,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Scope = derefStr(scope)

	return &a, nil
}

func collectAccounts(rows pgx.Rows, op string) ([]*domain.SocialAccount, error) {
	var out []*domain.SocialAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}
