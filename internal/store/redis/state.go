package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanforge/socialcore/internal/oauth"
)

const statePrefix = "oauth_state:"

// Save stores the authorization state under its token with the given TTL.
func (s *Store) Save(ctx context.Context, token string, st oauth.State, ttl time.Duration) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis.Store.Save: marshal state: %w", err)
	}

	if err := s.client.Set(ctx, statePrefix+token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis.Store.Save: persist state: %w", err)
	}

	return nil
}

// Consume atomically fetches and deletes the state via GETDEL, which is what
// makes the token single-use even with concurrent callbacks. Returns
// (nil, nil) for a token that is unknown, expired, or already consumed.
func (s *Store) Consume(ctx context.Context, token string) (*oauth.State, error) {
	payload, err := s.client.GetDel(ctx, statePrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Store.Consume: %w", err)
	}

	var st oauth.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("redis.Store.Consume: decode state: %w", err)
	}

	return &st, nil
}
