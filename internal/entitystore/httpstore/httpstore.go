// Package httpstore is the production Entity Store Client: a thin HTTP
// adapter over the external store. Transient transport errors (5xx,
// timeouts) are retried with exponential backoff inside this client and
// never surfaced to callers unless the retry cap is exceeded.
package httpstore

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
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/jitter"
)

// RetryPolicy configures the transient-error retry loop. There is no
// per-request idempotency key: the store's additive-update contract
// makes every request safe to repeat.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries with exponential backoff up to a fixed cap.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Store is the HTTP-backed entitystore.Store implementation, talking to
// ARKE_API_BASE with ARKE_USER_KEY bearer authentication.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	rng     *rand.Rand
}

// New creates an HTTP entity-store client. rng may be nil for
// non-deterministic jitter (production); the simulator passes a seeded
// rng for reproducible runs.
func New(baseURL, apiKey string, retry RetryPolicy, rng *rand.Rand) *Store {
	return &Store{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		retry:   retry,
		rng:     rng,
	}
}

// Get implements entitystore.Store.
func (s *Store) Get(ctx context.Context, id string) (entity.Entity, error) {
	var e entity.Entity
	err := s.doJSON(ctx, http.MethodGet, "/entities/"+id, nil, &e)
	return e, err
}

// BatchGet implements entitystore.Store.
func (s *Store) BatchGet(ctx context.Context, ids []string) ([]entity.Entity, error) {
	var out []entity.Entity
	err := s.doJSON(ctx, http.MethodPost, "/entities/batch-get", map[string]any{"ids": ids}, &out)
	return out, err
}

// CreateWithRelationships implements entitystore.Store.
func (s *Store) CreateWithRelationships(ctx context.Context, e entity.Entity) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodPost, "/entities", e, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AdditiveUpdate implements entitystore.Store against the additive-update
// endpoint ({updates: [...]} -> 202 accepted).
func (s *Store) AdditiveUpdate(ctx context.Context, updates []entitystore.Update) error {
	return s.doJSON(ctx, http.MethodPost, "/entities/additive-update", map[string]any{"updates": updates}, nil)
}

// MembersOf implements entitystore.Store.
func (s *Store) MembersOf(ctx context.Context, leaderID string) ([]string, error) {
	var out []string
	err := s.doJSON(ctx, http.MethodGet, "/entities/"+leaderID+"/members", nil, &out)
	return out, err
}

// Delete implements entitystore.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.doJSON(ctx, http.MethodDelete, "/entities/"+id, nil, nil)
}

// ByLayer implements entitystore.Store.
func (s *Store) ByLayer(ctx context.Context, layer int, typ string) ([]string, error) {
	var out []string
	path := fmt.Sprintf("/entities/by-layer?layer=%d&type=%s", layer, typ)
	err := s.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ReassignSummarizedBy implements entitystore.Store against the
// reassign-summarized-by endpoint (see entitystore.Store.ReassignSummarizedBy
// for why this non-additive exception exists). An empty newLeaderID tells
// the store to remove the edge outright rather than replace it, matching
// the dissolve path's needs.
func (s *Store) ReassignSummarizedBy(ctx context.Context, entityID, newLeaderID string) error {
	body := map[string]any{"new_leader_id": newLeaderID}
	return s.doJSON(ctx, http.MethodPost, "/entities/"+entityID+"/reassign-summarized-by", body, nil)
}

// doJSON performs one HTTP round trip, retrying transient failures
// (network errors, 5xx) with jittered exponential backoff up to
// s.retry.MaxAttempts. 4xx responses are never retried.
func (s *Store) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var payload io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("httpstore: marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	maxAttempts := s.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := jitter.Backoff(attempt-1, s.retry.BaseDelay, s.retry.MaxDelay, s.rng)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			data, _ := io.ReadAll(payload)
			payload = bytes.NewReader(data)
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("httpstore: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", clustererr.ErrTransient, err)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", clustererr.ErrTransient, resp.StatusCode)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			_ = resp.Body.Close()
			return entitystore.ErrNotFound
		}

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return fmt.Errorf("httpstore: request failed (%d): %s", resp.StatusCode, string(data))
		}

		defer func() { _ = resp.Body.Close() }()
		if respBody == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil && err != io.EOF {
			return fmt.Errorf("httpstore: decode response: %w", err)
		}
		return nil
	}
	return lastErr
}
