package publish

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
)

// InstagramClient publishes images through the Meta Graph API. Publishing is a
// two-step flow: create a media container, wait for the platform to ingest the
// image, then publish the container under the IG user.
type InstagramClient struct {
	BaseURL    string
	HTTPClient oauth.HTTPClient

	// PollInterval and PollTimeout bound the container readiness wait.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func NewInstagramClient(baseURL string, client oauth.HTTPClient) *InstagramClient {
	return &InstagramClient{
		BaseURL:      baseURL,
		HTTPClient:   client,
		PollInterval: 2 * time.Second,
		PollTimeout:  2 * time.Minute,
	}
}

type igIDResponse struct {
	ID string `json:"id"`
}

type igStatusResponse struct {
	StatusCode string `json:"status_code"`
}

func (c *InstagramClient) Publish(ctx context.Context, accessToken string, req Request) (*Result, error) {
	containerID, err := c.createContainer(ctx, accessToken, req)
	if err != nil {
		return nil, fmt.Errorf("publish.Instagram: %w", err)
	}

	if err := c.waitContainer(ctx, accessToken, containerID); err != nil {
		return nil, fmt.Errorf("publish.Instagram: %w", err)
	}

	if err := c.publishContainer(ctx, accessToken, req.ExternalAccountID, containerID); err != nil {
		return nil, fmt.Errorf("publish.Instagram: %w", err)
	}

	return &Result{PublishID: containerID, Status: domain.PostPublished}, nil
}

func (c *InstagramClient) createContainer(ctx context.Context, accessToken string, req Request) (string, error) {
	form := url.Values{
		"image_url":    {req.MediaURL},
		"caption":      {req.Caption},
		"access_token": {accessToken},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/"+req.ExternalAccountID+"/media",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("container: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp igIDResponse
	if err := doJSON(c.HTTPClient, domain.ProviderInstagram, "container", httpReq, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &oauth.ProviderError{
			Provider: domain.ProviderInstagram,
			Op:       "container",
			Err:      fmt.Errorf("response carried no container id"),
		}
	}

	return resp.ID, nil
}

// waitContainer polls the container until the platform reports FINISHED.
func (c *InstagramClient) waitContainer(ctx context.Context, accessToken, containerID string) error {
	deadline := time.Now().Add(c.PollTimeout)

	for {
		status, err := c.containerStatus(ctx, accessToken, containerID)
		if err != nil {
			return err
		}

		switch status {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return &oauth.ProviderError{
				Provider: domain.ProviderInstagram,
				Op:       "container_status",
				Code:     status,
				Err:      fmt.Errorf("container entered %s", status),
			}
		}

		if time.Now().After(deadline) {
			return &oauth.ProviderError{
				Provider:  domain.ProviderInstagram,
				Op:        "container_status",
				Code:      "timeout",
				Transient: true,
				Err:       fmt.Errorf("container not ready within %s", c.PollTimeout),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *InstagramClient) containerStatus(ctx context.Context, accessToken, containerID string) (string, error) {
	statusURL := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
		c.BaseURL, containerID, url.QueryEscape(accessToken))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return "", fmt.Errorf("container status: %w", err)
	}

	var resp igStatusResponse
	if err := doJSON(c.HTTPClient, domain.ProviderInstagram, "container_status", httpReq, &resp); err != nil {
		return "", err
	}

	return resp.StatusCode, nil
}

func (c *InstagramClient) publishContainer(ctx context.Context, accessToken, igUserID, containerID string) error {
	form := url.Values{
		"creation_id":  {containerID},
		"access_token": {accessToken},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/"+igUserID+"/media_publish",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("media_publish: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return doJSON(c.HTTPClient, domain.ProviderInstagram, "media_publish", httpReq, nil)
}
