package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fanforge/socialcore/internal/domain"
)

// eventPayload is the normalized body of a platform event. TikTok nests the
// event detail as a JSON string under "content"; those fields are folded in
// before translation.
type eventPayload struct {
	Event       string `json:"event"`
	UserOpenID  string `json:"user_openid"`
	PublishID   string `json:"publish_id"`
	FailReason  string `json:"reason"`
	RawContent  string `json:"content"`
	MediaStatus string `json:"status"`
}

// translate maps a queued event to the domain effect it causes. Unknown event
// kinds acknowledge without effect so new platform events cannot pile up as
// retries.
func translate(ev *domain.WebhookEvent) (domain.Effect, error) {
	var p eventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return domain.Effect{}, fmt.Errorf("webhook.translate: parse payload: %w", err)
	}

	if p.RawContent != "" {
		var inner eventPayload
		if err := json.Unmarshal([]byte(p.RawContent), &inner); err != nil {
			return domain.Effect{}, fmt.Errorf("webhook.translate: parse content: %w", err)
		}
		if inner.PublishID != "" {
			p.PublishID = inner.PublishID
		}
		if inner.FailReason != "" {
			p.FailReason = inner.FailReason
		}
	}

	kind := ev.Kind
	if kind == "" {
		kind = p.Event
	}

	switch kind {
	case "post.publish.complete":
		if p.PublishID == "" {
			return domain.Effect{}, fmt.Errorf("webhook.translate: %s carried no publish_id", kind)
		}
		return domain.Effect{
			Kind:       domain.EffectPostStatus,
			Provider:   ev.Provider,
			PublishID:  p.PublishID,
			PostStatus: domain.PostPublished,
		}, nil

	case "post.publish.failed":
		if p.PublishID == "" {
			return domain.Effect{}, fmt.Errorf("webhook.translate: %s carried no publish_id", kind)
		}
		errorCode := p.FailReason
		if errorCode == "" {
			errorCode = "publish_failed"
		}
		return domain.Effect{
			Kind:       domain.EffectPostStatus,
			Provider:   ev.Provider,
			PublishID:  p.PublishID,
			PostStatus: domain.PostFailed,
			ErrorCode:  errorCode,
		}, nil

	case "publish.status":
		// Pull-style completion: a status poller enqueues these for providers
		// that report container state instead of delivering a completion event.
		if p.PublishID == "" {
			return domain.Effect{}, fmt.Errorf("webhook.translate: %s carried no publish_id", kind)
		}
		switch p.MediaStatus {
		case "FINISHED":
			return domain.Effect{
				Kind:       domain.EffectPostStatus,
				Provider:   ev.Provider,
				PublishID:  p.PublishID,
				PostStatus: domain.PostPublished,
			}, nil
		case "ERROR", "EXPIRED":
			return domain.Effect{
				Kind:       domain.EffectPostStatus,
				Provider:   ev.Provider,
				PublishID:  p.PublishID,
				PostStatus: domain.PostFailed,
				ErrorCode:  "container_" + strings.ToLower(p.MediaStatus),
			}, nil
		default:
			// Still in progress; ack and wait for the next report.
			return domain.Effect{Kind: domain.EffectNone}, nil
		}

	case "authorization.removed":
		if p.UserOpenID == "" {
			return domain.Effect{}, fmt.Errorf("webhook.translate: %s carried no user_openid", kind)
		}
		return domain.Effect{
			Kind:              domain.EffectAccountStatus,
			Provider:          ev.Provider,
			ExternalAccountID: p.UserOpenID,
			AccountStatus:     domain.AccountRevoked,
		}, nil

	default:
		return domain.Effect{Kind: domain.EffectNone}, nil
	}
}
