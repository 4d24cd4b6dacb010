// Package publish pushes media to the social platforms and tracks each
// attempt as a PlatformPost.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
)

// Request carries the media reference to publish. Media bytes never pass
// through this service; platforms pull from the URL themselves.
type Request struct {
	MediaURL          string
	Caption           string
	ExternalAccountID string
}

// Result is the provider-side outcome of starting a publish.
type Result struct {
	// PublishID is the provider's identifier for this publish operation.
	PublishID string
	// Status is the post status after the call: processing when completion
	// arrives later via webhook, published when the call completed the post.
	Status domain.PostStatus
}

// Publisher starts a publish against one platform.
type Publisher interface {
	Publish(ctx context.Context, accessToken string, req Request) (*Result, error)
}

// doJSON issues the request and decodes the response body into out (when out
// is non-nil), classifying HTTP failures as transient or permanent.
func doJSON(client oauth.HTTPClient, provider domain.Provider, op string, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return &oauth.ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &oauth.ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &oauth.ProviderError{Provider: provider, Op: op, Code: "rate_limited", Transient: true, Err: fmt.Errorf("platform returned 429")}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return &oauth.ProviderError{Provider: provider, Op: op, Transient: true, Err: fmt.Errorf("platform returned %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &oauth.ProviderError{Provider: provider, Op: op, Code: "bad_request", Err: fmt.Errorf("platform returned %d: %s", resp.StatusCode, body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("publish: decode %s response: %w", op, err)
	}

	return nil
}
