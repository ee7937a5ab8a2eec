// Package httpclient provides shared HTTP plumbing for streaming JSON
// endpoints.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ============================================================================
// STREAMING JSON CLIENT
// ============================================================================

// Client wraps http.Client for JSON POST requests against a fixed base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// New creates a client with the given base URL and per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 1,
	}
}

// PostJSONStreaming issues a JSON POST and returns the open response body for
// the caller to stream. The caller owns resp.Body and must close it.
func (c *Client) PostJSONStreaming(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.doPost(ctx, path, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retryable, ok := err.(*RetryableError)
		if !ok {
			return nil, err
		}
		wait := retryable.RetryAfter
		if wait == 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if isRetryableStatus(resp.StatusCode) {
			return nil, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    string(detail),
				RetryAfter: ParseRetryAfter(resp.Header),
			}
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(detail))
	}
	return resp, nil
}
