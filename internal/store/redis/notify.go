package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fanforge/socialcore/internal/domain"
)

// ReauthNotice tells UI-side consumers that an account lost its refresh
// credential and the user must reconnect it.
type ReauthNotice struct {
	UserID    uuid.UUID       `json:"user_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Provider  domain.Provider `json:"provider"`
	At        time.Time       `json:"at"`
}

// ReauthChannel returns the pub/sub channel carrying reauth notices for a user.
func ReauthChannel(userID uuid.UUID) string {
	return "reauth:" + userID.String()
}

// NotifyReauthRequired publishes a reauth notice for the account. Delivery is
// fire-and-forget: the account row already carries needs_reauth, the notice
// only wakes up connected UIs.
func (s *Store) NotifyReauthRequired(ctx context.Context, account *domain.SocialAccount) error {
	notice := ReauthNotice{
		UserID:    account.UserID,
		AccountID: account.ID,
		Provider:  account.Provider,
		At:        time.Now(),
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("redis.Store.NotifyReauthRequired: marshal: %w", err)
	}

	if err := s.client.Publish(ctx, ReauthChannel(account.UserID), payload).Err(); err != nil {
		return fmt.Errorf("redis.Store.NotifyReauthRequired: publish: %w", err)
	}

	return nil
}

// Subscribe delivers raw messages from a channel until ctx is done. The
// returned cleanup closes the subscription.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.Store.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}
