// Package searchclient defines the semantic-search capability the cluster
// worker consumes: search(query, layer, limit) -> [{peerId, score}].
// The vector index itself lives behind an external service; this package
// only specifies and exercises its contract.
package searchclient

import "context"

// Candidate is one semantic-search hit.
type Candidate struct {
	PeerID string
	Score  float64
}

// Query parameterizes a search call. IndexedSince restricts results to
// peers indexed no earlier than that time, used by the cluster worker's
// semantic fallback step to search only peers indexed since arrival.
// Limit of 0 means unlimited (the fallback's uncapped search).
type Query struct {
	Text         string
	Layer        int
	Limit        int
	ExcludeSelf  string
	IndexedSince *int64 // unix nanos; nil means no restriction
}

// Client is the Search Client contract.
type Client interface {
	Search(ctx context.Context, q Query) ([]Candidate, error)
}
