// Package entitystore defines the thin adapter over the external entity
// store: read, create-with-relationships, additive-merge updates, and
// batch-get. The store itself is an external collaborator; this package
// only specifies and exercises its contract.
package entitystore

import (
	"context"
	"errors"

	"github.com/arke-labs/klados-cluster/internal/entity"
)

// ErrNotFound is returned when an entity id does not exist in the store.
var ErrNotFound = errors.New("entitystore: not found")

// Update is one element of an additive-update request payload:
// {entity_id, properties?, relationships_add?}. The server deep-merges
// Properties into the existing property bag and unions RelationshipsAdd
// into the existing relationship set; this client never attempts the
// merge itself.
type Update struct {
	EntityID        string                 `json:"entity_id"`
	Properties      map[string]any         `json:"properties,omitempty"`
	RelationshipsAdd []entity.Relationship `json:"relationships_add,omitempty"`
}

// Store is the Entity Store Client contract.
// Every method takes a context since the real backend is a network call;
// in-memory test doubles honor cancellation too, so callers can rely on
// context deadlines uniformly.
type Store interface {
	// Get reads a single entity by id.
	Get(ctx context.Context, id string) (entity.Entity, error)

	// BatchGet reads several entities at once, skipping ids that do not
	// exist rather than failing the whole batch (matches the describe
	// worker's need to read "all members that still exist").
	BatchGet(ctx context.Context, ids []string) ([]entity.Entity, error)

	// CreateWithRelationships creates a brand-new entity with an initial
	// relationship set, returning the assigned id when id is empty.
	CreateWithRelationships(ctx context.Context, e entity.Entity) (string, error)

	// AdditiveUpdate applies a batch of additive merges in one request.
	// The caller never observes partial application: either the whole
	// batch is accepted (202-equivalent) or an error is returned.
	AdditiveUpdate(ctx context.Context, updates []Update) error

	// MembersOf returns the ids of entities with an outgoing
	// summarized_by relationship to leaderID. This requires an
	// incoming-edge index the bare Entity type does not carry locally.
	MembersOf(ctx context.Context, leaderID string) ([]string, error)

	// Delete removes an entity outright. Used only by the cluster
	// worker's dissolve path to remove a solo cluster leader; extracted
	// entities and sealed logs are never deleted.
	Delete(ctx context.Context, id string) error

	// ByLayer enumerates every entity at the given layer in ascending
	// lexicographic id order, for the Cluster Worker's lexicographic
	// fallback. Implementations may restrict to a type filter (extracted
	// entities vs. cluster leaders) via typ.
	ByLayer(ctx context.Context, layer int, typ string) ([]string, error)

	// ReassignSummarizedBy atomically replaces entityID's summarized_by
	// relationship with one pointing at newLeaderID, or removes it
	// outright when newLeaderID is "" (the dissolve path). This is the
	// one deliberate exception to the additive-merge-only rule: every
	// other write is a pure union, but the fallback procedure's
	// membership invariant (at most one summarized_by) cannot be upheld
	// by a server that only ever unions relationship sets, since a
	// worker that attached itself to its own solo leader while leading
	// and waiting must later switch or drop that edge during fallback.
	// The additive service is contracted to implement this as
	// delete-then-insert under its own internal lock, not as a
	// client-side read-modify-write.
	ReassignSummarizedBy(ctx context.Context, entityID, newLeaderID string) error
}
