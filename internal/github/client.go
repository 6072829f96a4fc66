package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Review dispositions accepted by the GitHub pull request review API.
const (
	EventApprove        = "APPROVE"
	EventComment        = "COMMENT"
	EventRequestChanges = "REQUEST_CHANGES"
)

// Client talks to the GitHub REST API. A zero access token means
// unauthenticated requests (public repositories, no post-back).
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a GitHub API client. baseURL defaults to the public
// API endpoint when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchDiff retrieves the unified diff for a pull request. diffURL comes
// straight from the webhook payload; a non-2xx response is a hard failure
// for the whole pipeline, there is no retry.
func (c *Client) FetchDiff(ctx context.Context, diffURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, diffURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create diff request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3.diff")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch diff: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("diff fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read diff body: %w", err)
	}

	return string(body), nil
}

type postReviewRequest struct {
	Body  string `json:"body"`
	Event string `json:"event"`
}

// PostReview posts a formatted review to a pull request with the given
// disposition (APPROVE, COMMENT or REQUEST_CHANGES). Requires a
// write-capable token.
func (c *Client) PostReview(ctx context.Context, owner, repo string, prNumber int, token, body, event string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", c.baseURL, owner, repo, prNumber)

	payload, err := json.Marshal(postReviewRequest{Body: body, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal review request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create review request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post review: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("review post returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
