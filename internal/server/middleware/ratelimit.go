package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const rateLimitBody = `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`

// keyedLimiters hands out one token bucket per key and evicts buckets idle
// for 30 minutes so the map cannot grow without bound.
type keyedLimiters[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*limiterEntry
	rps     float64
	burst   int
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newKeyedLimiters[K comparable](ctx context.Context, requestsPerSecond float64, burst int) *keyedLimiters[K] {
	kl := &keyedLimiters[K]{
		entries: make(map[K]*limiterEntry),
		rps:     requestsPerSecond,
		burst:   burst,
	}
	go kl.cleanup(ctx)
	return kl
}

func (kl *keyedLimiters[K]) get(key K) *rate.Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.entries[key]
	if !ok {
		e = &limiterEntry{
			limiter:    rate.NewLimiter(rate.Limit(kl.rps), kl.burst),
			lastAccess: time.Now(),
		}
		kl.entries[key] = e
	} else {
		e.lastAccess = time.Now()
	}
	return e.limiter
}

func (kl *keyedLimiters[K]) cleanup(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kl.mu.Lock()
			cutoff := time.Now().Add(-30 * time.Minute)
			for key, e := range kl.entries {
				if e.lastAccess.Before(cutoff) {
					delete(kl.entries, key)
				}
			}
			kl.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimitByIP applies per-IP rate limiting for unauthenticated endpoints
// (OAuth callbacks, webhook ingress). Uses chi's RealIP middleware value via
// r.RemoteAddr.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newKeyedLimiters[string](ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.get(r.RemoteAddr).Allow() {
				http.Error(w, rateLimitBody, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies per-user rate limiting on authenticated routes.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newKeyedLimiters[uuid.UUID](ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				// No user in context; skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			if !limiters.get(userID).Allow() {
				http.Error(w, rateLimitBody, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
