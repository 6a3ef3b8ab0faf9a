// Package memstore is an in-memory EntityStore implementation, used by
// unit tests and the simulator (internal/sim). It is not suitable for
// multi-process use; the real Entity Store is an external collaborator
// reached over HTTP (internal/entitystore/httpstore).
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

// Store is a thread-safe in-memory EntityStore.
//
// Mutations use the same additive semantics the real server contracts
// to: AdditiveUpdate deep-merges Properties and unions Relationships
// rather than replacing them, so concurrent cluster workers racing to
// attach summarized_by never clobber each other's writes.
type Store struct {
	mu       sync.RWMutex
	entities map[string]entity.Entity
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entities: make(map[string]entity.Entity)}
}

// Get implements entitystore.Store.
func (s *Store) Get(_ context.Context, id string) (entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, entitystore.ErrNotFound
	}
	return cloneEntity(e), nil
}

// BatchGet implements entitystore.Store.
func (s *Store) BatchGet(_ context.Context, ids []string) ([]entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

// CreateWithRelationships implements entitystore.Store.
func (s *Store) CreateWithRelationships(_ context.Context, e entity.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	s.entities[e.ID] = cloneEntity(e)
	return e.ID, nil
}

// AdditiveUpdate implements entitystore.Store, deep-merging Properties and
// unioning Relationships per update, atomically with respect to other
// AdditiveUpdate calls (the lock is held for the whole batch, mirroring
// the real store's single additive-merge request contract).
func (s *Store) AdditiveUpdate(_ context.Context, updates []entitystore.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		e, ok := s.entities[u.EntityID]
		if !ok {
			e = entity.Entity{ID: u.EntityID, Properties: make(map[string]any)}
		}
		if e.Properties == nil {
			e.Properties = make(map[string]any)
		}
		var merge func(dst, src map[string]any) map[string]any
		merge = func(dst, src map[string]any) map[string]any {
			out := make(map[string]any, len(dst)+len(src))
			for k, v := range dst {
				out[k] = v
			}
			for k, v := range src {
				sm, srcIsMap := v.(map[string]any)
				dm, dstIsMap := out[k].(map[string]any)
				if srcIsMap && dstIsMap {
					v = merge(dm, sm)
				}
				out[k] = v
			}
			return out
		}
		e.Properties = merge(e.Properties, u.Properties)
		for _, rel := range u.RelationshipsAdd {
			if !hasRelationship(e.Relationships, rel) {
				e.Relationships = append(e.Relationships, rel)
			}
		}
		s.entities[u.EntityID] = e
	}
	return nil
}

// MembersOf implements entitystore.Store by scanning for entities whose
// summarized_by points at leaderID. The real store maintains an index;
// here a full scan suffices since the map is local and tests are small.
func (s *Store) MembersOf(_ context.Context, leaderID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, e := range s.entities {
		if peer, ok := e.SummarizedBy(); ok && peer == leaderID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete implements entitystore.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

// ByLayer implements entitystore.Store, returning ids in ascending
// lexicographic order as the Cluster Worker's fallback requires.
func (s *Store) ByLayer(_ context.Context, layer int, typ string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, e := range s.entities {
		if typ != "" && e.Type != typ {
			continue
		}
		if e.Layer() == layer {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReassignSummarizedBy implements entitystore.Store by removing any
// existing summarized_by edges from entityID and adding one to
// newLeaderID, under the same lock AdditiveUpdate uses.
func (s *Store) ReassignSummarizedBy(_ context.Context, entityID, newLeaderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return entitystore.ErrNotFound
	}
	var kept []entity.Relationship
	for _, r := range e.Relationships {
		if r.Predicate != entity.PredSummarizedBy {
			kept = append(kept, r)
		}
	}
	if newLeaderID != "" {
		kept = append(kept, entity.Relationship{Predicate: entity.PredSummarizedBy, Peer: newLeaderID})
	}
	e.Relationships = kept
	s.entities[entityID] = e
	return nil
}

func hasRelationship(rels []entity.Relationship, rel entity.Relationship) bool {
	for _, r := range rels {
		if r.Predicate == rel.Predicate && r.Peer == rel.Peer {
			return true
		}
	}
	return false
}

func cloneEntity(e entity.Entity) entity.Entity {
	out := entity.Entity{ID: e.ID, Type: e.Type}
	out.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	out.Relationships = append([]entity.Relationship(nil), e.Relationships...)
	return out
}
