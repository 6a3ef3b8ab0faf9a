// Package scatter implements the Scatter Coordinator: the entry point
// that turns a list of entity ids into a job collection, a root scatter
// log, and one downstream invocation per id.
//
// Each id's invocation runs on its own detached goroutine, launch-and
// forget: the coordinator never waits on results, and completion is
// observed later by internal/observer, the same way internal/logwriter's
// dispatch already fires off log writes without waiting.
package scatter

import (
	"context"
	"fmt"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
)

// Invoker is called once per entity id in the scatter input, on its own
// detached goroutine (see fanOut) — implementations dispatch to whichever
// worker (cluster, branch extraction, ...) owns that entity's next step.
type Invoker func(ctx context.Context, logID, entityID string)

// Result is the Scatter Coordinator's immediate response: {status:
// started, job_id, job_collection}. It is returned as soon as
// the collection and root log are created; the fanned-out invocations run
// independently afterward.
type Result struct {
	Status        string `json:"status"`
	JobID         string `json:"job_id"`
	JobCollection string `json:"job_collection"`
}

// Coordinator runs one Scatter invocation.
type Coordinator struct {
	store  entitystore.Store
	writer *logwriter.Writer
}

// New creates a Scatter Coordinator.
func New(store entitystore.Store, writer *logwriter.Writer) *Coordinator {
	return &Coordinator{store: store, writer: writer}
}

// Start creates the job collection and root scatter log for rhizaID
// against targetEntity/targetCollection, then launches invoke on its own
// goroutine for every id in entityIDs. No retries: a failure to create the
// collection or root log is returned immediately.
func (c *Coordinator) Start(ctx context.Context, rhizaID, targetEntity, targetCollection string, entityIDs []string, invoke Invoker) (Result, error) {
	collectionID, err := c.store.CreateWithRelationships(ctx, entity.Entity{
		Type: entity.TypeJobCollection,
		Properties: map[string]any{
			"rhiza_id":          rhizaID,
			"target_entity":     targetEntity,
			"target_collection": targetCollection,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("scatter: create job collection: %w", err)
	}

	rootLogID, err := c.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	if err != nil {
		return Result{}, fmt.Errorf("scatter: create root log: %w", err)
	}

	if err := c.store.AdditiveUpdate(ctx, []entitystore.Update{{
		EntityID:         collectionID,
		RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredFirstLog, Peer: rootLogID, PeerType: entity.TypeKladosLog}},
	}}); err != nil {
		return Result{}, fmt.Errorf("scatter: link root log: %w", err)
	}

	c.writer.CreateLog(ctx, rootLogID, rootLogID, nil)
	c.writer.SetHandoffs(ctx, rootLogID, []logwriter.Handoff{
		{Kind: logwriter.HandoffScatter, Outputs: entityIDs},
	})
	c.writer.CompleteLog(ctx, rootLogID, logwriter.StatusDone, "", nil)

	c.fanOut(ctx, rootLogID, entityIDs, invoke)

	return Result{Status: "started", JobID: rootLogID, JobCollection: collectionID}, nil
}

// fanOut creates a child log per entity id and launches invoke for each on
// its own detached goroutine. Start returns as soon as fanOut has issued
// every launch; it never waits on invoke to finish, since the result
// contract is "started", not "completed" — the Workflow-Tree Observer is
// what later learns a branch is done.
func (c *Coordinator) fanOut(ctx context.Context, parentLogID string, entityIDs []string, invoke Invoker) {
	for _, id := range entityIDs {
		childLogID, err := c.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
		if err != nil {
			continue
		}
		if err := c.store.AdditiveUpdate(ctx, []entitystore.Update{{
			EntityID:         parentLogID,
			RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredSentTo, Peer: childLogID, PeerType: entity.TypeKladosLog}},
		}}); err != nil {
			continue
		}
		scatterTotal := len(entityIDs)
		c.writer.CreateLog(ctx, childLogID, childLogID, &logwriter.ReceivedInfo{
			ParentLogIDs: []string{parentLogID},
			ScatterTotal: &scatterTotal,
			TargetEntity: id,
		})

		go func(logID, entityID string) {
			invoke(context.Background(), logID, entityID)
		}(childLogID, id)
	}
}
