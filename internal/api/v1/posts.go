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

// PostView is the public shape of a publish attempt.
type PostView struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Provider  string    `json:"provider"`
	PublishID string    `json:"publish_id,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	MediaURL  string    `json:"media_url"`
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func postView(p *domain.PlatformPost) *PostView {
	return &PostView{
		ID:        p.ID,
		AccountID: p.AccountID,
		Provider:  string(p.Provider),
		PublishID: p.PublishID,
		Caption:   p.Caption,
		MediaURL:  p.MediaURL,
		Status:    string(p.Status),
		ErrorCode: p.ErrorCode,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type CreatePostInput struct {
	Body struct {
		Provider string `json:"provider" enum:"tiktok,instagram" doc:"Social platform"`
		MediaURL string `json:"media_url" format:"uri" doc:"Publicly reachable media URL the platform pulls from"`
		Caption  string `json:"caption,omitempty" maxLength:"2200" doc:"Post caption"`
	}
}

type CreatePostOutput struct {
	Status int
	Body   *PostView
}

type GetPostInput struct {
	ID uuid.UUID `path:"id" doc:"Post ID"`
}

type GetPostOutput struct {
	Body *PostView
}

type ListPostsInput struct {
	AccountID uuid.UUID `path:"accountID" doc:"Connected account ID"`
	Limit     int       `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Max results"`
}

type ListPostsOutput struct {
	Body []*PostView
}

func RegisterPostRoutes(api huma.API, posts PublishService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-post",
		Method:        http.MethodPost,
		Path:          "/posts",
		Summary:       "Publish media to a connected account",
		Tags:          []string{"Posts"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *CreatePostInput) (*CreatePostOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		provider, err := domain.ParseProvider(input.Body.Provider)
		if err != nil {
			return nil, mapError(err)
		}

		post, err := posts.Publish(ctx, userID, provider, input.Body.MediaURL, input.Body.Caption)
		if err != nil {
			return nil, mapError(err)
		}

		return &CreatePostOutput{Status: http.StatusAccepted, Body: postView(post)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-post",
		Method:      http.MethodGet,
		Path:        "/posts/{id}",
		Summary:     "Get a publish attempt",
		Tags:        []string{"Posts"},
	}, func(ctx context.Context, input *GetPostInput) (*GetPostOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		post, err := posts.GetPost(ctx, userID, input.ID)
		if err != nil {
			return nil, mapError(err)
		}

		return &GetPostOutput{Body: postView(post)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-account-posts",
		Method:      http.MethodGet,
		Path:        "/accounts/{accountID}/posts",
		Summary:     "List publish attempts for an account",
		Tags:        []string{"Posts"},
	}, func(ctx context.Context, input *ListPostsInput) (*ListPostsOutput, error) {
		userID, ok := middleware.UserIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthenticated")
		}

		list, err := posts.ListPosts(ctx, userID, input.AccountID, input.Limit)
		if err != nil {
			return nil, mapError(err)
		}

		views := make([]*PostView, 0, len(list))
		for _, p := range list {
			views = append(views, postView(p))
		}
		return &ListPostsOutput{Body: views}, nil
	})
}
