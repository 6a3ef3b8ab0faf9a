package sim

import (
	"context"
	"fmt"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

// maxLayerScan bounds how many layers Validate walks looking for
// entities; it mirrors branch.MaxRecursionDepth plus one so the
// cluster-leader layer a run's last recursion created is still in range.
const maxLayerScan = 11

// Violation is one failed invariant, naming which property (P1-P7) and
// the entity id it was found on.
type Violation struct {
	Property string
	EntityID string
	Detail   string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s: %s", v.Property, v.EntityID, v.Detail)
}

// Report is the result of validating a completed run against the P1-P7
// quantified invariants.
type Report struct {
	Violations []Violation
}

// OK reports whether the run violated no invariant.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Validate checks P1 (membership uniqueness), P2 (no orphan leaders), P3
// (layer contract), and P7 (convergence of solo clusters) against store.
// P4 (recursion cap) is enforced structurally by internal/branch, not
// re-derived here; P5/P6 (log sealing and expected-children coverage) are
// checked by internal/observer against a job collection directly, since
// they are properties of the log tree, not the entity graph.
func Validate(ctx context.Context, store entitystore.Store) (Report, error) {
	var report Report

	allByLayer := make(map[int][]entity.Entity)
	for layer := 0; layer <= maxLayerScan; layer++ {
		ids, err := store.ByLayer(ctx, layer, "")
		if err != nil {
			return Report{}, fmt.Errorf("sim: validate: by layer %d: %w", layer, err)
		}
		if len(ids) == 0 {
			continue
		}
		entities, err := store.BatchGet(ctx, ids)
		if err != nil {
			return Report{}, fmt.Errorf("sim: validate: batch-get layer %d: %w", layer, err)
		}
		allByLayer[layer] = entities
	}

	for layer, entities := range allByLayer {
		for _, e := range entities {
			rels := e.Outgoing(entity.PredSummarizedBy)
			if len(rels) > 1 {
				report.Violations = append(report.Violations, Violation{
					Property: "P1", EntityID: e.ID,
					Detail: fmt.Sprintf("%d summarized_by relationships at layer %d", len(rels), layer),
				})
			}
			if len(rels) == 1 {
				peer, err := store.Get(ctx, rels[0].Peer)
				if err == nil && peer.Layer() != layer+1 {
					report.Violations = append(report.Violations, Violation{
						Property: "P3", EntityID: e.ID,
						Detail: fmt.Sprintf("summarized_by %s at layer %d, want %d", rels[0].Peer, peer.Layer(), layer+1),
					})
				}
			}
		}

		for _, e := range entities {
			if e.Type != entity.TypeClusterLeader {
				continue
			}
			members, err := store.MembersOf(ctx, e.ID)
			if err != nil {
				return Report{}, fmt.Errorf("sim: validate: members of %s: %w", e.ID, err)
			}
			if len(members) == 0 {
				report.Violations = append(report.Violations, Violation{
					Property: "P2", EntityID: e.ID, Detail: "cluster leader has no members",
				})
				continue
			}
			if len(members) == 1 {
				if hasAlternateNonEmptyLeader(ctx, store, allByLayer[layer], e.ID) {
					report.Violations = append(report.Violations, Violation{
						Property: "P7", EntityID: e.ID,
						Detail: "solo cluster survived alongside another non-empty cluster at the same layer",
					})
				}
			}
		}
	}

	return report, nil
}

// hasAlternateNonEmptyLeader reports whether layerEntities (every entity
// sharing excludeLeader's own _kg_layer, i.e. its peer cluster leaders)
// contains a different leader with at least one member — the structural
// signal that excludeLeader should have converged into it during fallback
// rather than surviving solo.
func hasAlternateNonEmptyLeader(ctx context.Context, store entitystore.Store, layerEntities []entity.Entity, excludeLeader string) bool {
	for _, e := range layerEntities {
		if e.Type != entity.TypeClusterLeader || e.ID == excludeLeader {
			continue
		}
		members, err := store.MembersOf(ctx, e.ID)
		if err == nil && len(members) > 0 {
			return true
		}
	}
	return false
}
