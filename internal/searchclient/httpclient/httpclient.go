// Package httpclient is the production Search Client: a thin HTTP adapter
// over the external semantic-search index, structured like
// entitystore/httpstore since both talk to the same ARKE_API_BASE service
// and share its transient-retry contract.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"github.com/arke-labs/klados-cluster/internal/jitter"
	"github.com/arke-labs/klados-cluster/internal/searchclient"
)

// RetryPolicy mirrors httpstore.RetryPolicy; kept as its own type since the
// search index and entity store are independent services that may be
// tuned independently in production.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is a moderate backoff suitable for the search index's
// expected transient-failure rate.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Client is the HTTP-backed searchclient.Client, talking to
// ARKE_SEARCH_BASE with ARKE_USER_KEY bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	rng     *rand.Rand
}

// New creates an HTTP search client. rng may be nil for non-deterministic
// jitter; the simulator passes a seeded rng for reproducible runs.
func New(baseURL, apiKey string, retry RetryPolicy, rng *rand.Rand) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, client: &http.Client{}, retry: retry, rng: rng}
}

// Search implements searchclient.Client against POST /search.
func (c *Client) Search(ctx context.Context, q searchclient.Query) ([]searchclient.Candidate, error) {
	var out []searchclient.Candidate
	err := c.doJSON(ctx, http.MethodPost, "/search", q, &out)
	return out, err
}

// doJSON is identical in shape to httpstore's retry loop; the two clients
// are not unified into one helper because they carry independent base
// URLs, API keys, and retry policies per external dependency.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var payload []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("httpclient: marshal request: %w", err)
		}
		payload = data
	}

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := jitter.Backoff(attempt-1, c.retry.BaseDelay, c.retry.MaxDelay, c.rng)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("httpclient: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", clustererr.ErrTransient, err)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", clustererr.ErrTransient, resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return fmt.Errorf("httpclient: request failed (%d): %s", resp.StatusCode, string(data))
		}

		defer func() { _ = resp.Body.Close() }()
		if respBody == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil && err != io.EOF {
			return fmt.Errorf("httpclient: decode response: %w", err)
		}
		return nil
	}
	return lastErr
}
