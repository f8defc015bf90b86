package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ResolveRequest describes a control the engine could not locate itself.
type ResolveRequest struct {
	Description string `json:"description"`
	Excerpt     string `json:"excerpt"`
	URL         string `json:"url"`
}

// ResolveResponse carries the service's best selector plus alternatives,
// tried in order.
type ResolveResponse struct {
	Selector     string   `json:"selector"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// RemoteResolver is the HTTP client for the selector resolution service.
type RemoteResolver struct {
	url    string
	client *http.Client
}

// NewRemoteResolver returns a client, or nil when no URL is configured so
// callers can treat the remote step as absent.
func NewRemoteResolver(url string, timeout time.Duration) *RemoteResolver {
	if url == "" {
		return nil
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RemoteResolver{url: url, client: &http.Client{Timeout: timeout}}
}

// Resolve asks the service for a selector.
func (r *RemoteResolver) Resolve(ctx context.Context, req ResolveRequest) (ResolveResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ResolveResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return ResolveResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return ResolveResponse{}, fmt.Errorf("call resolver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ResolveResponse{}, fmt.Errorf("resolver returned status %d", resp.StatusCode)
	}

	var out ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ResolveResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
