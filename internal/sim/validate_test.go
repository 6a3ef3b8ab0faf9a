package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/entitystore/memstore"
)

func TestValidate_EmptyStoreIsOK(t *testing.T) {
	store := memstore.New()
	report, err := Validate(context.Background(), store)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestValidate_P1_MultipleSummarizedByIsViolation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	leaderA, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)
	leaderB, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)

	memberID, err := store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
		{Predicate: entity.PredSummarizedBy, Peer: leaderA},
		{Predicate: entity.PredSummarizedBy, Peer: leaderB},
	}})
	require.NoError(t, err)

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	require.False(t, report.OK())
	assertHasViolation(t, report, "P1", memberID)
}

func TestValidate_P2_LeaderWithNoMembersIsViolation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	leaderID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	require.False(t, report.OK())
	assertHasViolation(t, report, "P2", leaderID)
}

func TestValidate_P3_WrongLayerIsViolation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// leader claims layer 2 instead of the required memberLayer+1 == 1.
	leaderID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 2}})
	require.NoError(t, err)
	memberID, err := store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
		{Predicate: entity.PredSummarizedBy, Peer: leaderID},
	}})
	require.NoError(t, err)

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	require.False(t, report.OK())
	assertHasViolation(t, report, "P3", memberID)
}

func TestValidate_P7_SoloClusterBesideNonEmptyClusterIsViolation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	soloLeader, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)
	_, err = store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
		{Predicate: entity.PredSummarizedBy, Peer: soloLeader},
	}})
	require.NoError(t, err)

	bigLeader, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
			{Predicate: entity.PredSummarizedBy, Peer: bigLeader},
		}})
		require.NoError(t, err)
	}

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	require.False(t, report.OK())
	assertHasViolation(t, report, "P7", soloLeader)
}

func TestValidate_SingleSoloClusterAloneIsOK(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// A lone solo cluster with no sibling leader at its layer has nothing
	// to have converged with, so it is not a P7 violation.
	leaderID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
	require.NoError(t, err)
	_, err = store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
		{Predicate: entity.PredSummarizedBy, Peer: leaderID},
	}})
	require.NoError(t, err)

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestValidate_TwoSoloClustersAtSameLayerBothViolateP7(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// Two solo clusters at the same layer should have discovered and
	// converged with each other during fallback; surviving side by side
	// is a P7 violation for both.
	var leaders []string
	for i := 0; i < 2; i++ {
		leaderID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeClusterLeader, Properties: map[string]any{entity.LayerProperty: 1}})
		require.NoError(t, err)
		_, err = store.CreateWithRelationships(ctx, entity.Entity{Relationships: []entity.Relationship{
			{Predicate: entity.PredSummarizedBy, Peer: leaderID},
		}})
		require.NoError(t, err)
		leaders = append(leaders, leaderID)
	}

	report, err := Validate(ctx, store)
	require.NoError(t, err)
	require.False(t, report.OK())
	assertHasViolation(t, report, "P7", leaders[0])
	assertHasViolation(t, report, "P7", leaders[1])
}

func assertHasViolation(t *testing.T, report Report, property, entityID string) {
	t.Helper()
	for _, v := range report.Violations {
		if v.Property == property && v.EntityID == entityID {
			return
		}
	}
	t.Fatalf("expected a %s violation for %s, got %+v", property, entityID, report.Violations)
}

var _ entitystore.Store = (*memstore.Store)(nil)
