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

// AccountView is the public shape of a connected account. Token material is
// never serialized.
type AccountView struct {
	ID                uuid.UUID `json:"id"`
	Provider          string    `json:"provider"`
	ExternalAccountID string    `json:"external_account_id"`
	Scope             string    `json:"scope,omitempty"`
	Status            string    `json:"status"`
	AccessExpiresAt   time.Time `json:"access_expires_at"`
	ConnectedAt       time.Time `json:"connected_at"`
}

func accountView(a *domain.SocialAccount) *AccountView {
	return &AccountView{
		ID:                a.ID,
		Provider:          string(a.Provider),
		ExternalAccountID: a.ExternalAccountID,
		Scope:             a.Scope,
		Status:            string(a.Status),
		AccessExpiresAt:   a.AccessExpiresAt,
		ConnectedAt:       a.CreatedAt,
	}
}

type ConnectAccountInput struct {
	Provider string `path:"provider" enum:"tiktok,instagram" doc:"Social platform"`
}

type ConnectAccountOutput struct {
	Body struct {
		AuthorizationURL string `json:"authorization_url" doc:"Send the user here to grant access"`
	}
}

type ListAccountsOutput struct {
	Body []*AccountView
}

type DisconnectAccountInput struct {
	Provider string `path:"provider" enum:"tiktok,instagram" doc:"Social platform"`
}

type DisconnectAccountOutput struct {
	Status int
}

func RegisterAccountRoutes(api huma.API, accounts AccountService) {
	huma.Register(api, huma.Operation{
		OperationID: "connect-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{provider}/connect",
		Summary:     "Start connecting a social account",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, input *ConnectAccountInput) (*ConnectAccountOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		provider, err := domain.ParseProvider(input.Provider)
		if err != nil {
			return nil, mapError(err)
		}

		authURL, err := accounts.BeginConnect(ctx, userID, provider)
		if err != nil {
			return nil, mapError(err)
		}

		out := &ConnectAccountOutput{}
		out.Body.AuthorizationURL = authURL
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List connected social accounts",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, _ *struct{}) (*ListAccountsOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		list, err := accounts.List(ctx, userID)
		if err != nil {
			return nil, mapError(err)
		}

		views := make([]*AccountView, 0, len(list))
		for _, a := range list {
			views = append(views, accountView(a))
		}
		return &ListAccountsOutput{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect-account",
		Method:      http.MethodDelete,
		Path:        "/accounts/{provider}",
		Summary:     "Disconnect a social account",
		Tags:        []string{"Accounts"},
	}, func(ctx context.Context, input *DisconnectAccountInput) (*DisconnectAccountOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		provider, err := domain.ParseProvider(input.Provider)
		if err != nil {
			return nil, mapError(err)
		}

		if err := accounts.Disconnect(ctx, userID, provider); err != nil {
			return nil, mapError(err)
		}

		return &DisconnectAccountOutput{Status: http.StatusNoContent}, nil
	})
}
