// Package branch provides the Branch Pipeline: the per-entity-id control
// flow (`extract* → dedupe* → cluster* → describe* → recurse`) that
// drives a scattered entity id through its collaborating stages.
// Extraction and deduplication live outside the cluster subsystem
// proper, but a scattered entity id has to actually pass through them
// before a Cluster Worker has anything to cluster — so this package
// supplies minimal, swappable `Extractor`/`Deduper` interfaces plus
// default implementations, and a driver that walks one entity through
// every stage, recording a log per stage via the Log Writer.
//
// A chunk enters, a fixed sequence of stages runs, and the result feeds
// the next stage — but unlike a single synchronous call stepping
// through an in-process graph, each stage here is an asynchronous
// handoff recorded in the external log graph, since the concurrency
// model is independently-scheduled workers with no shared in-process
// state.
package branch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arke-labs/klados-cluster/internal/cluster"
	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"github.com/arke-labs/klados-cluster/internal/describe"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/model"
)

// MaxRecursionDepth is the hard safety cap on cluster→describe→cluster
// recursion.
const MaxRecursionDepth = 10

// ExtractedEntity is one candidate entity record produced by an Extractor,
// before deduplication has assigned it a store id.
type ExtractedEntity struct {
	Type       string
	Name       string
	Properties map[string]any
}

// Extractor turns a text chunk's content into candidate entity records
// via a stateless LLM call; this interface lets the pipeline exercise
// that step with a real or stub implementation.
type Extractor interface {
	Extract(ctx context.Context, chunkText string) ([]ExtractedEntity, error)
}

// Deduper reduces a batch of candidate entities at layer into the set of
// entity ids that should actually exist in the store, creating new
// entities for candidates that do not already match one.
type Deduper interface {
	Dedupe(ctx context.Context, layer int, candidates []ExtractedEntity) ([]string, error)
}

// ChatExtractor is the default Extractor: one model.ChatModel call asking
// for a JSON array of {type, name} records, tolerating prose-wrapped JSON
// by extracting the span from the first '[' to the last ']' (the array
// counterpart of describe.ParseDescription's object-span tolerance, not
// its caller).
type ChatExtractor struct {
	chat model.ChatModel
}

// NewChatExtractor creates a ChatExtractor.
func NewChatExtractor(chat model.ChatModel) *ChatExtractor {
	return &ChatExtractor{chat: chat}
}

const extractSystemPrompt = `You are an entity extractor. Given a text chunk, ` +
	`respond with a JSON array of objects of the form {"type": "...", "name": "..."}, ` +
	`one per distinct entity mentioned. Respond with JSON only, no surrounding prose.`

// Extract implements Extractor.
func (x *ChatExtractor) Extract(ctx context.Context, chunkText string) ([]ExtractedEntity, error) {
	out, err := x.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: extractSystemPrompt},
		{Role: model.RoleUser, Content: chunkText},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return parseExtracted(out.Text)
}

func parseExtracted(raw string) ([]ExtractedEntity, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array found in extraction response")
	}
	var raws []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &raws); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}
	out := make([]ExtractedEntity, 0, len(raws))
	for _, r := range raws {
		if r.Type == "" || r.Name == "" {
			continue
		}
		out = append(out, ExtractedEntity{Type: r.Type, Name: r.Name, Properties: map[string]any{"name": r.Name}})
	}
	return out, nil
}

// FingerprintDeduper is the default Deduper: a fingerprint-based pass,
// normalizing type+name and hashing with SHA-256 to decide whether
// a candidate already has a matching entity at layer. A fresh instance
// has no memory across calls beyond what the store itself records, so
// repeated branches converge on the same entity id for the same
// fingerprint without any in-process cache.
type FingerprintDeduper struct {
	store entitystore.Store
}

// NewFingerprintDeduper creates a FingerprintDeduper.
func NewFingerprintDeduper(store entitystore.Store) *FingerprintDeduper {
	return &FingerprintDeduper{store: store}
}

// Fingerprint computes the normalized type+name hash used to recognize a
// repeated extraction across branches.
func Fingerprint(typ, name string) string {
	norm := strings.ToLower(strings.TrimSpace(typ)) + "\x00" + strings.ToLower(strings.TrimSpace(name))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Dedupe implements Deduper by scanning existing layer entities for a
// matching fingerprint property, creating a new entity for any candidate
// that has none.
func (d *FingerprintDeduper) Dedupe(ctx context.Context, layer int, candidates []ExtractedEntity) ([]string, error) {
	existingIDs, err := d.store.ByLayer(ctx, layer, "")
	if err != nil {
		return nil, fmt.Errorf("dedupe: list layer %d: %w", layer, err)
	}
	existing, err := d.store.BatchGet(ctx, existingIDs)
	if err != nil {
		return nil, fmt.Errorf("dedupe: batch-get layer %d: %w", layer, err)
	}
	byFingerprint := make(map[string]string, len(existing))
	for _, e := range existing {
		if fp, ok := e.Properties["_fingerprint"].(string); ok {
			byFingerprint[fp] = e.ID
		}
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		fp := Fingerprint(c.Type, c.Name)
		if id, ok := byFingerprint[fp]; ok {
			out = append(out, id)
			continue
		}
		props := map[string]any{entity.LayerProperty: layer, "_fingerprint": fp, "name": c.Name}
		for k, v := range c.Properties {
			props[k] = v
		}
		id, err := d.store.CreateWithRelationships(ctx, entity.Entity{Type: c.Type, Properties: props})
		if err != nil {
			return nil, fmt.Errorf("dedupe: create entity: %w", err)
		}
		byFingerprint[fp] = id
		out = append(out, id)
	}
	return out, nil
}

// Pipeline drives one scattered entity id through
// extract→dedupe→cluster→describe→recurse, recording a log per stage.
type Pipeline struct {
	store     entitystore.Store
	writer    *logwriter.Writer
	emitter   emit.Emitter
	extractor Extractor
	deduper   Deduper
	clusterer *cluster.Worker
	describer *describe.Worker
	launch    func(fn func())
}

// New creates a Branch Pipeline. Every per-entity recursion launches on
// its own goroutine via the default launcher (plain `go fn()`); pass a
// custom launcher with SetLauncher when a caller needs to account for
// those goroutines itself, as internal/sim does to track simulated
// worker concurrency against its virtual clock.
func New(store entitystore.Store, writer *logwriter.Writer, emitter emit.Emitter, extractor Extractor, deduper Deduper, clusterer *cluster.Worker, describer *describe.Worker) *Pipeline {
	return &Pipeline{
		store:     store,
		writer:    writer,
		emitter:   emitter,
		extractor: extractor,
		deduper:   deduper,
		clusterer: clusterer,
		describer: describer,
		launch:    func(fn func()) { go fn() },
	}
}

// SetLauncher overrides how RunChunk and RunCluster start the goroutine
// for each recursive cluster invocation.
func (p *Pipeline) SetLauncher(launch func(fn func())) {
	p.launch = launch
}

// RunChunk drives a freshly scattered text-chunk entity through the whole
// pipeline starting at layer 0: extract, dedupe, then cluster each
// resulting entity id (each of which may recurse through describe back
// into cluster at deeper layers). logID is the log this invocation owns.
func (p *Pipeline) RunChunk(ctx context.Context, logID, chunkID, chunkText string) {
	candidates, err := p.extractor.Extract(ctx, chunkText)
	if err != nil {
		p.fail(ctx, logID, "extract", chunkID, err)
		return
	}

	entityIDs, err := p.deduper.Dedupe(ctx, 0, candidates)
	if err != nil {
		p.fail(ctx, logID, "dedupe", chunkID, err)
		return
	}

	clusterLogIDs := make([]string, len(entityIDs))
	for i, entityID := range entityIDs {
		clusterLogID, err := p.linkChild(ctx, logID, entityID)
		if err != nil {
			p.fail(ctx, logID, "dedupe", chunkID, err)
			return
		}
		clusterLogIDs[i] = clusterLogID
	}

	p.writer.SetHandoffs(ctx, logID, []logwriter.Handoff{
		{Kind: logwriter.HandoffScatter, Outputs: clusterLogIDs},
	})
	p.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)

	for i, id := range entityIDs {
		clusterLogID, entityID := clusterLogIDs[i], id
		p.launch(func() { p.RunCluster(ctx, clusterLogID, entityID, 0) })
	}
}

// linkChild creates a new klados log targeting targetEntity and records an
// explicit sent_to edge from parentLogID to it before the log's own entry
// is written — the same create-then-link-then-fill order
// internal/scatter's fanOut uses for its child logs, so the Workflow-Tree
// Observer can walk the whole branch purely through log-to-log sent_to
// edges instead of losing track at the first handoff.
func (p *Pipeline) linkChild(ctx context.Context, parentLogID, targetEntity string) (string, error) {
	childLogID, err := p.store.CreateWithRelationships(ctx, entity.Entity{Type: entity.TypeKladosLog})
	if err != nil {
		return "", fmt.Errorf("create child log: %w", err)
	}
	if err := p.store.AdditiveUpdate(ctx, []entitystore.Update{{
		EntityID:         parentLogID,
		RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredSentTo, Peer: childLogID, PeerType: entity.TypeKladosLog}},
	}}); err != nil {
		return "", fmt.Errorf("link child log: %w", err)
	}
	p.writer.CreateLog(ctx, childLogID, childLogID, &logwriter.ReceivedInfo{ParentLogIDs: []string{parentLogID}, TargetEntity: targetEntity})
	return childLogID, nil
}

// RunCluster runs the Cluster Worker for entityID at layer against
// clusterLogID (created and linked by the caller — RunChunk for layer 0,
// this method itself for every deeper recursion), then — if the worker
// survives as a cluster leader — the Describe Worker, then recurses the
// Cluster Worker one layer up for the described leader. Recursion stops at
// MaxRecursionDepth, on any branch that reaches JOINED or DISSOLVED (empty
// outputs), and on a Describe Worker that exhausts its retries: a
// persistently invalid LLM response ends the describe log in error and
// the branch terminates without recursing further.
func (p *Pipeline) RunCluster(ctx context.Context, clusterLogID, entityID string, layer int) {
	if layer >= MaxRecursionDepth {
		p.emitter.Emit(emit.Event{Kind: emit.KindError, Message: clustererr.ErrRecursionCapExceeded.Error(), Meta: map[string]any{"entity_id": entityID, "layer": layer}})
		return
	}

	outcome := p.clusterer.Run(ctx, clusterLogID, entityID, layer, time.Now())
	if outcome.Err != nil || outcome.State != cluster.StateTerminated {
		return
	}

	describeLogID, err := p.linkChild(ctx, clusterLogID, outcome.ClusterLeader)
	if err != nil {
		p.emitter.Emit(emit.Event{Kind: emit.KindError, Message: fmt.Sprintf("branch: create describe log: %v", err)})
		return
	}
	if err := p.describer.Run(ctx, describeLogID, outcome.ClusterLeader); err != nil {
		return
	}

	nextClusterLogID, err := p.linkChild(ctx, describeLogID, outcome.ClusterLeader)
	if err != nil {
		p.emitter.Emit(emit.Event{Kind: emit.KindError, Message: fmt.Sprintf("branch: create cluster log: %v", err)})
		return
	}
	p.RunCluster(ctx, nextClusterLogID, outcome.ClusterLeader, layer+1)
}

func (p *Pipeline) fail(ctx context.Context, logID, stage, entityID string, err error) {
	werr := &clustererr.WorkerError{Stage: stage, EntityID: entityID, Cause: err}
	p.emitter.Emit(emit.Event{LogID: logID, Kind: emit.KindError, Message: werr.Error()})
	p.writer.CompleteLog(ctx, logID, logwriter.StatusError, werr.Error(), nil)
}
