// Package refresh rotates access tokens before they expire so publish calls
// rarely pay a refresh on the hot path.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
)

// LeaseStore coordinates refresh attempts across instances: whoever holds the
// account's lease is the only one refreshing it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLease(ctx context.Context, name, token string) error
}

// Refresher rotates one account's tokens.
type Refresher interface {
	Refresh(ctx context.Context, a *domain.SocialAccount) error
}

// Config tunes the sweep.
type Config struct {
	Interval  time.Duration
	Lookahead time.Duration
	LeaseTTL  time.Duration
	BatchSize int
	// MaxBackoff caps the per-account retry delay after transient failures.
	MaxBackoff time.Duration
}

// Scheduler periodically sweeps accounts whose access token expires within the
// lookahead and refreshes each under a distributed lease.
type Scheduler struct {
	accounts  domain.AccountRepository
	refresher Refresher
	leases    LeaseStore
	cfg       Config

	mu      sync.Mutex
	retryAt map[uuid.UUID]retryState
}

type retryState struct {
	at      time.Time
	backoff time.Duration
}

func NewScheduler(accounts domain.AccountRepository, refresher Refresher, leases LeaseStore, cfg Config) *Scheduler {
	return &Scheduler{
		accounts:  accounts,
		refresher: refresher,
		leases:    leases,
		cfg:       cfg,
		retryAt:   make(map[uuid.UUID]retryState),
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("lookahead", s.cfg.Lookahead).
		Msg("token refresh scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("token refresh scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep refreshes every due account in the current batch.
func (s *Scheduler) sweep(ctx context.Context) {
	accounts, err := s.accounts.ListExpiring(ctx, s.cfg.Lookahead, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("listing expiring accounts failed")
		}
		return
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			return
		}
		if !s.due(a.ID) {
			continue
		}
		s.refreshOne(ctx, a)
	}
}

// refreshOne refreshes a single account under its lease. Losing the lease
// means another instance is already on it.
func (s *Scheduler) refreshOne(ctx context.Context, a *domain.SocialAccount) {
	leaseName := "refresh:" + a.ID.String()

	token, ok, err := s.leases.AcquireLease(ctx, leaseName, s.cfg.LeaseTTL)
	if err != nil {
		log.Error().Err(err).Str("account_id", a.ID.String()).Msg("acquiring refresh lease failed")
		return
	}
	if !ok {
		return
	}
	defer func() {
		if relErr := s.leases.ReleaseLease(ctx, leaseName, token); relErr != nil {
			log.Warn().Err(relErr).Str("account_id", a.ID.String()).Msg("releasing refresh lease failed")
		}
	}()

	err = s.refresher.Refresh(ctx, a)
	switch {
	case err == nil:
		s.clearRetry(a.ID)

	case errors.Is(err, domain.ErrNeedsReauth):
		// Permanent. The refresher already flipped the account; the next
		// ListExpiring no longer returns it.
		s.clearRetry(a.ID)

	case errors.Is(err, domain.ErrVersionConflict):
		// Another writer rotated concurrently. Nothing to do.
		s.clearRetry(a.ID)

	default:
		delay := s.scheduleRetry(a.ID)
		log.Warn().
			Err(err).
			Str("account_id", a.ID.String()).
			Dur("retry_in", delay).
			Msg("token refresh failed, backing off")
	}
}

// due reports whether the account's transient-failure backoff has passed.
func (s *Scheduler) due(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retryAt[id]
	return !ok || !time.Now().Before(st.at)
}

// scheduleRetry doubles the account's backoff, capped, and returns the delay.
func (s *Scheduler) scheduleRetry(id uuid.UUID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.retryAt[id]
	if st.backoff == 0 {
		st.backoff = s.cfg.Interval
	} else {
		st.backoff *= 2
	}
	if st.backoff > s.cfg.MaxBackoff {
		st.backoff = s.cfg.MaxBackoff
	}
	st.at = time.Now().Add(st.backoff)
	s.retryAt[id] = st

	return st.backoff
}

func (s *Scheduler) clearRetry(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retryAt, id)
}
