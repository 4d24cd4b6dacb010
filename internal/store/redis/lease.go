package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "refresh_lease:"

// releaseScript deletes the lease only when the caller still holds it, so a
// slow holder cannot release a lease that already expired and was re-acquired
// by someone else.
//
//nolint:gochecknoglobals // compiled Lua script
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease takes the named lease for ttl. The TTL bounds how long a
// crashed holder can block others. Returns ok=false when another holder owns
// the lease.
func (s *Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()

	ok, err = s.client.SetNX(ctx, leasePrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis.Store.AcquireLease: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// ReleaseLease releases the lease if the token still owns it. Releasing an
// expired or stolen lease is a no-op, not an error.
func (s *Store) ReleaseLease(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{leasePrefix + name}, token).Err(); err != nil {
		return fmt.Errorf("redis.Store.ReleaseLease: %w", err)
	}
	return nil
}
