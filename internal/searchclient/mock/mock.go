// Package mock provides a test double for searchclient.Client:
// configurable responses keyed by layer, call-history tracking, and
// error injection, all behind a mutex for concurrent cluster-worker
// tests.
package mock

import (
	"context"
	"sync"

	"github.com/arke-labs/klados-cluster/internal/searchclient"
)

// Client is an in-memory searchclient.Client for tests and the simulator.
// Candidates are registered per layer; a call returns up to q.Limit of
// them (0 meaning unlimited), excluding q.ExcludeSelf, honoring
// q.IndexedSince against the per-candidate IndexedAt stamp.
type Client struct {
	mu         sync.Mutex
	byLayer    map[int][]Indexed
	Err        error
	Calls      []searchclient.Query
}

// Indexed is a candidate plus the unix-nano time it became searchable,
// letting tests simulate the spec's "visibility lags writes" index delay.
type Indexed struct {
	searchclient.Candidate
	IndexedAt int64
}

// New creates an empty mock search client.
func New() *Client {
	return &Client{byLayer: make(map[int][]Indexed)}
}

// Index registers a candidate as visible from indexedAtNanos onward.
func (c *Client) Index(layer int, peerID string, score float64, indexedAtNanos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byLayer[layer] = append(c.byLayer[layer], Indexed{
		Candidate: searchclient.Candidate{PeerID: peerID, Score: score},
		IndexedAt: indexedAtNanos,
	})
}

// Search implements searchclient.Client.
func (c *Client) Search(ctx context.Context, q searchclient.Query) ([]searchclient.Candidate, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, q)
	if c.Err != nil {
		return nil, c.Err
	}

	var out []searchclient.Candidate
	for _, cand := range c.byLayer[q.Layer] {
		if cand.PeerID == q.ExcludeSelf {
			continue
		}
		if q.IndexedSince != nil && cand.IndexedAt < *q.IndexedSince {
			continue
		}
		out = append(out, cand.Candidate)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}
