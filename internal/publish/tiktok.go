package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
)

// TikTokClient publishes videos through TikTok's content posting API. The
// platform pulls the video from the given URL; the upload completes
// asynchronously and the final state arrives as a webhook.
type TikTokClient struct {
	BaseURL    string
	HTTPClient oauth.HTTPClient
}

func NewTikTokClient(baseURL string, client oauth.HTTPClient) *TikTokClient {
	return &TikTokClient{BaseURL: baseURL, HTTPClient: client}
}

type tiktokInitRequest struct {
	Source   string `json:"source"`
	VideoURL string `json:"video_url"`
}

type tiktokInitResponse struct {
	Data struct {
		UploadID string `json:"upload_id"`
	} `json:"data"`
}

type tiktokCommitRequest struct {
	UploadID string `json:"upload_id"`
	Text     string `json:"text"`
}

func (c *TikTokClient) Publish(ctx context.Context, accessToken string, req Request) (*Result, error) {
	uploadID, err := c.initialize(ctx, accessToken, req.MediaURL)
	if err != nil {
		return nil, fmt.Errorf("publish.TikTok: %w", err)
	}

	if err := c.commit(ctx, accessToken, uploadID, req.Caption); err != nil {
		return nil, fmt.Errorf("publish.TikTok: %w", err)
	}

	return &Result{PublishID: uploadID, Status: domain.PostProcessing}, nil
}

func (c *TikTokClient) initialize(ctx context.Context, accessToken, videoURL string) (string, error) {
	body, err := json.Marshal(tiktokInitRequest{Source: "PULL_FROM_URL", VideoURL: videoURL})
	if err != nil {
		return "", fmt.Errorf("encode initialize: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/post/publish/initialize/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	var resp tiktokInitResponse
	if err := doJSON(c.HTTPClient, domain.ProviderTikTok, "initialize", httpReq, &resp); err != nil {
		return "", err
	}
	if resp.Data.UploadID == "" {
		return "", &oauth.ProviderError{
			Provider: domain.ProviderTikTok,
			Op:       "initialize",
			Err:      fmt.Errorf("response carried no upload_id"),
		}
	}

	return resp.Data.UploadID, nil
}

func (c *TikTokClient) commit(ctx context.Context, accessToken, uploadID, caption string) error {
	body, err := json.Marshal(tiktokCommitRequest{UploadID: uploadID, Text: caption})
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/post/publish/commit/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	return doJSON(c.HTTPClient, domain.ProviderTikTok, "commit", httpReq, nil)
}
