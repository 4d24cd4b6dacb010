package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/server/middleware"
)

// DeadLetterView exposes a parked webhook event for inspection.
type DeadLetterView struct {
	ID           uuid.UUID `json:"id"`
	Provider     string    `json:"provider"`
	ExternalID   string    `json:"external_id"`
	Kind         string    `json:"kind,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

type ListDeadLettersInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Max results"`
}

type ListDeadLettersOutput struct {
	Body []*DeadLetterView
}

func RegisterEventRoutes(api huma.API, events EventStore) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/webhook-events/dead-letters",
		Summary:     "List webhook events that exhausted their retries",
		Tags:        []string{"Events"},
	}, func(ctx context.Context, input *ListDeadLettersInput) (*ListDeadLettersOutput, error) {
		if _, ok := middleware.UserIDFromContext(ctx); !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		list, err := events.ListDeadLettered(ctx, input.Limit)
		if err != nil {
			return nil, mapError(err)
		}

		views := make([]*DeadLetterView, 0, len(list))
		for _, ev := range list {
			views = append(views, deadLetterView(ev))
		}
		return &ListDeadLettersOutput{Body: views}, nil
	})
}

func deadLetterView(ev *domain.WebhookEvent) *DeadLetterView {
	return &DeadLetterView{
		ID:           ev.ID,
		Provider:     string(ev.Provider),
		ExternalID:   ev.ExternalID,
		Kind:         ev.Kind,
		AttemptCount: ev.AttemptCount,
		LastError:    ev.LastError,
		ReceivedAt:   ev.ReceivedAt,
	}
}
