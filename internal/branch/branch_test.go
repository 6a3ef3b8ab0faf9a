package branch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/cluster"
	"github.com/arke-labs/klados-cluster/internal/describe"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore/memstore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/model"
	"github.com/arke-labs/klados-cluster/internal/searchclient/mock"
)

func TestFingerprint_NormalizesCaseAndWhitespace(t *testing.T) {
	a := Fingerprint("Person", " Ishmael ")
	b := Fingerprint("person", "ishmael")
	assert.Equal(t, a, b)

	c := Fingerprint("person", "Ahab")
	assert.NotEqual(t, a, c)
}

func TestChatExtractor_ParsesJSONArray(t *testing.T) {
	chat := &model.MockChatModel{
		Responses: []model.ChatOut{{Text: `Sure, here you go: [{"type":"person","name":"Ishmael"},{"type":"ship","name":"Pequod"}]`}},
	}
	x := NewChatExtractor(chat)

	got, err := x.Extract(context.Background(), "Call me Ishmael.")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "person", got[0].Type)
	assert.Equal(t, "Ishmael", got[0].Name)
	assert.Equal(t, "ship", got[1].Type)
}

func TestChatExtractor_NoArrayFound(t *testing.T) {
	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "no json here"}}}
	x := NewChatExtractor(chat)

	_, err := x.Extract(context.Background(), "chunk")
	assert.Error(t, err)
}

func TestFingerprintDeduper_CreatesOnFirstSight(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	d := NewFingerprintDeduper(store)

	ids, err := d.Dedupe(ctx, 0, []ExtractedEntity{{Type: "person", Name: "Ishmael"}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	e, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, e.Layer())
	assert.Equal(t, Fingerprint("person", "Ishmael"), e.Properties["_fingerprint"])
}

func TestFingerprintDeduper_ReusesExistingEntity(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	d := NewFingerprintDeduper(store)

	first, err := d.Dedupe(ctx, 0, []ExtractedEntity{{Type: "person", Name: "Ishmael"}})
	require.NoError(t, err)

	second, err := d.Dedupe(ctx, 0, []ExtractedEntity{{Type: "PERSON", Name: "  ishmael  "}})
	require.NoError(t, err)

	assert.Equal(t, first, second, "a repeated extraction must resolve to the same entity id")
}

type stubExtractor struct {
	out []ExtractedEntity
	err error
}

func (s stubExtractor) Extract(ctx context.Context, chunkText string) ([]ExtractedEntity, error) {
	return s.out, s.err
}

func TestPipeline_RunChunk_ExtractFailureFailsLog(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := logwriter.New(store, emit.NewNullEmitter(), 8)
	extractor := stubExtractor{err: errors.New("extract boom")}
	deduper := NewFingerprintDeduper(store)
	p := New(store, writer, emit.NewNullEmitter(), extractor, deduper, nil, nil)

	logID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	require.NoError(t, err)

	p.RunChunk(ctx, logID, "chunk-1", "some text")
	writer.Wait()

	log, err := store.Get(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, "error", log.Properties["status"])
}

func TestPipeline_RunChunk_DedupesThenLaunchesCluster(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := logwriter.New(store, emit.NewNullEmitter(), 8)
	extractor := stubExtractor{out: []ExtractedEntity{{Type: "person", Name: "Ishmael"}}}
	deduper := NewFingerprintDeduper(store)

	p := New(store, writer, emit.NewNullEmitter(), extractor, deduper, nil, nil)
	p.SetLauncher(func(fn func()) {
		// Intercept instead of running RunCluster, since this test has no
		// real cluster/describe workers wired in.
	})

	logID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	require.NoError(t, err)

	p.RunChunk(ctx, logID, "chunk-1", "some text")
	writer.Wait()

	log, err := store.Get(ctx, logID)
	require.NoError(t, err)
	assert.Equal(t, "done", log.Properties["status"])

	entityIDs, err := store.ByLayer(ctx, 0, "person")
	require.NoError(t, err)
	require.Len(t, entityIDs, 1)
	assert.NotEmpty(t, entityIDs[0])

	require.Len(t, log.Relationships, 1, "the chunk log must carry an explicit sent_to edge to the log it spawned")
	clusterLogID := log.Relationships[0].Peer
	clusterLog, err := store.Get(ctx, clusterLogID)
	require.NoError(t, err)
	assert.Equal(t, entity.TypeKladosLog, clusterLog.Type, "RunChunk must hand off to a log id, not the raw extracted entity id")
	assert.Equal(t, string(logwriter.StatusRunning), clusterLog.Properties["status"])
}

func TestPipeline_RunCluster_StopsAtRecursionCap(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := logwriter.New(store, emit.NewNullEmitter(), 8)
	emitter := emit.NewBufferedEmitter()
	p := New(store, writer, emitter, nil, nil, nil, nil)

	entityID, err := store.CreateWithRelationships(ctx, entity.Entity{})
	require.NoError(t, err)
	clusterLogID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	require.NoError(t, err)

	// At the cap, RunCluster must emit an error event and return without
	// touching the (nil) clusterer/describer.
	p.RunCluster(ctx, clusterLogID, entityID, MaxRecursionDepth)

	events := emitter.History("")
	var sawCapError bool
	for _, e := range events {
		if e.Kind == emit.KindError {
			sawCapError = true
		}
	}
	assert.True(t, sawCapError, "exceeding the recursion cap must emit an error event")
}

// TestPipeline_RunCluster_DescribeFailureStopsRecursionAndWiresLogChain runs
// a real Cluster Worker through to TERMINATED against a Describe Worker
// whose model never returns valid JSON, then checks two things the pipeline
// must get right: the cluster log's sent_to edge points at the describe
// log it spawned (not a raw entity id), and a describe log that exhausts
// its retries ends the branch instead of recursing into another layer.
func TestPipeline_RunCluster_DescribeFailureStopsRecursionAndWiresLogChain(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	search := mock.New()
	writer := logwriter.New(store, emit.NewNullEmitter(), 8)

	clusterer := cluster.New(store, search, writer, emit.NewNullEmitter(), cluster.Config{
		SearchLimit:     5,
		RecheckDelay:    time.Millisecond,
		FollowerWaitMin: 20 * time.Millisecond,
		FollowerWaitMax: 40 * time.Millisecond,
	}, rand.New(rand.NewSource(1)))

	chat := &model.MockChatModel{Responses: []model.ChatOut{{Text: "never valid json"}}}
	describer := describe.New(store, writer, chat, emit.NewNullEmitter())

	p := New(store, writer, emit.NewNullEmitter(), nil, nil, clusterer, describer)

	selfID, err := store.CreateWithRelationships(ctx, entity.Entity{})
	require.NoError(t, err)
	clusterLogID, err := store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.RunCluster(ctx, clusterLogID, selfID, 0)
		close(done)
	}()

	// Race a follower in alongside self's own cluster leader, the same way
	// cluster_test.go's LEADING_WAITING test does, so the worker survives
	// the follower wait as TERMINATED instead of dissolving solo.
	var leaderID string
	require.Eventually(t, func() bool {
		self, err := store.Get(ctx, selfID)
		if err != nil {
			return false
		}
		id, ok := self.SummarizedBy()
		if ok {
			leaderID = id
		}
		return ok
	}, time.Second, time.Millisecond)

	_, err = store.CreateWithRelationships(ctx, entity.Entity{
		Relationships: []entity.Relationship{{Predicate: entity.PredSummarizedBy, Peer: leaderID}},
	})
	require.NoError(t, err)

	<-done
	writer.Wait()

	// terminate's own handoff also records a sent_to edge to the raw
	// cluster-leader entity id — that edge is data for the Describe
	// Worker, not a log-tree node, and coexists with the explicit
	// log-to-log edge RunCluster adds alongside it.
	clusterLog, err := store.Get(ctx, clusterLogID)
	require.NoError(t, err)
	var describeLogID string
	for _, rel := range clusterLog.Relationships {
		peer, err := store.Get(ctx, rel.Peer)
		require.NoError(t, err)
		if peer.Type == entity.TypeKladosLog {
			describeLogID = rel.Peer
		}
	}
	require.NotEmpty(t, describeLogID, "the cluster log must carry an explicit sent_to edge to the describe log it spawned")

	describeLog, err := store.Get(ctx, describeLogID)
	require.NoError(t, err)
	assert.Equal(t, entity.TypeKladosLog, describeLog.Type, "the handoff target must be a log id, not the cluster-leader entity id")
	assert.Equal(t, "error", describeLog.Properties["status"])
	assert.Empty(t, describeLog.Relationships, "a failed describe must not spawn a next-layer cluster log")
}
