// Package limiter gates outbound publish calls per social account so a burst
// of uploads cannot trip the platforms' API limits.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fanforge/socialcore/internal/domain"
)

type accountLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// PublishLimiter is a per-account token bucket: an account may burst up to the
// configured request count, then tokens refill evenly across the window.
// Stale entries are cleaned up every 10 minutes.
type PublishLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*accountLimiter
	limit    rate.Limit
	burst    int
}

// New creates a limiter allowing requests calls per window for each account.
// The cleanup goroutine stops when ctx is cancelled.
func New(ctx context.Context, requests int, window time.Duration) *PublishLimiter {
	l := &PublishLimiter{
		limiters: make(map[uuid.UUID]*accountLimiter),
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for id, al := range l.limiters {
					if al.lastAccess.Before(cutoff) {
						delete(l.limiters, id)
					}
				}
				l.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return l
}

// Allow consumes one slot for the account. Returns *domain.RateLimitError
// carrying the wait until the next slot when the account is over its rate.
func (l *PublishLimiter) Allow(accountID uuid.UUID) error {
	lim := l.limiterFor(accountID)

	res := lim.Reserve()
	if !res.OK() {
		return &domain.RateLimitError{RetryAfter: time.Duration(float64(time.Second) / float64(l.limit))}
	}

	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return &domain.RateLimitError{RetryAfter: delay}
	}

	return nil
}

func (l *PublishLimiter) limiterFor(accountID uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	al, ok := l.limiters[accountID]
	if !ok {
		al = &accountLimiter{
			limiter:    rate.NewLimiter(l.limit, l.burst),
			lastAccess: time.Now(),
		}
		l.limiters[accountID] = al
	} else {
		al.lastAccess = time.Now()
	}
	return al.limiter
}
