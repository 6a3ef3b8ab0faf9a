// Package logwriter implements the Log Writer: createLog, setHandoffs,
// and completeLog, each a single additive-merge request issued
// fire-and-forget so a hot parent log never stalls a worker on a
// client-side compare-and-swap retry. Dispatch fans calls out over a
// bounded worker channel rather than waiting for each one individually,
// so a burst of writes never blocks the caller; failures are logged, not
// propagated back.
package logwriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

// HandoffKind discriminates the four handoff shapes a log can record.
type HandoffKind string

const (
	HandoffInvoke  HandoffKind = "invoke"
	HandoffPass    HandoffKind = "pass"
	HandoffScatter HandoffKind = "scatter"
	HandoffGather  HandoffKind = "gather"
)

// Handoff is one entry in a log's handoffs list. Outputs carries invoke,
// pass, and gather targets, and the common case of scatter; Invocations
// and Delegated cover the scatter shapes where the output set is not a
// plain ID list.
type Handoff struct {
	Kind        HandoffKind `json:"type"`
	Outputs     []string    `json:"outputs,omitempty"`
	Invocations []string    `json:"invocations,omitempty"`
	Delegated   bool        `json:"delegated,omitempty"`
}

// ReceivedInfo records a log's parentage: which parent logs produced it,
// how many siblings its scatter step expects, and the entity it targets.
type ReceivedInfo struct {
	ParentLogIDs []string `json:"parent_log_ids,omitempty"`
	ScatterTotal *int     `json:"scatter_total,omitempty"`
	TargetEntity string   `json:"target_entity,omitempty"`
}

// LogMessage is a free-form note attached to a log. NumCopies overrides
// the observer's expected-child computation for this log — the writer
// stores it as-is and never interprets it.
type LogMessage struct {
	Text      string `json:"text"`
	NumCopies *int   `json:"numCopies,omitempty"`
}

// LogEntry is the nested log_data.entry payload stored on every log.
type LogEntry struct {
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Received    *ReceivedInfo `json:"received,omitempty"`
	Handoffs    []Handoff    `json:"handoffs,omitempty"`
	Messages    []LogMessage `json:"messages,omitempty"`
}

// Status is a log's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Writer issues the three Log Writer operations against an
// entitystore.Store, fire-and-forget. Every call returns immediately;
// failures are emitted as events and never returned to the caller — the
// calling worker never awaits server acknowledgement of a log write.
type Writer struct {
	store   entitystore.Store
	emitter emit.Emitter
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New creates a Writer whose background dispatch is bounded to
// maxInFlight concurrent additive-update calls, so a burst of log writes
// cannot exhaust file descriptors or HTTP connections.
func New(store entitystore.Store, emitter emit.Emitter, maxInFlight int) *Writer {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Writer{store: store, emitter: emitter, sem: make(chan struct{}, maxInFlight)}
}

// CreateLog creates a running log entity under the caller-chosen logID,
// with the given klados stage id and parentage, and returns immediately,
// before the store write is confirmed. Because the caller supplies logID,
// it can use the id in its own handoffs (e.g. a scatter fan-out) without
// waiting on this call; the store accepts caller-assigned ids for that
// reason.
func (w *Writer) CreateLog(ctx context.Context, logID, kladosID string, received *ReceivedInfo) {
	entry := LogEntry{StartedAt: time.Now(), Received: received}
	e := entity.Entity{
		ID:   logID,
		Type: entity.TypeKladosLog,
		Properties: map[string]any{
			"klados_id": kladosID,
			"status":    string(StatusRunning),
			"log_data":  map[string]any{"entry": entry},
		},
	}
	if received != nil {
		for _, parentID := range received.ParentLogIDs {
			e.Relationships = append(e.Relationships, entity.Relationship{
				Predicate: entity.PredReceivedFrom, Peer: parentID,
			})
		}
	}
	w.dispatch(ctx, "create_log", logID, func(ctx context.Context) error {
		_, err := w.store.CreateWithRelationships(ctx, e)
		return err
	})
}

// SetHandoffs deep-merges the given handoffs into the log's handoffs
// list and records a sent_to relationship for every invoke/pass/gather
// output and every scatter output, so the tree observer can walk the
// graph purely through relationships.
func (w *Writer) SetHandoffs(ctx context.Context, logID string, handoffs []Handoff) {
	var rels []entity.Relationship
	for _, h := range handoffs {
		for _, out := range h.Outputs {
			rels = append(rels, entity.Relationship{Predicate: entity.PredSentTo, Peer: out})
		}
	}
	update := entitystore.Update{
		EntityID:         logID,
		Properties:       map[string]any{"log_data": map[string]any{"entry": map[string]any{"handoffs": handoffs}}},
		RelationshipsAdd: rels,
	}
	w.dispatch(ctx, "set_handoffs", logID, func(ctx context.Context) error {
		return w.store.AdditiveUpdate(ctx, []entitystore.Update{update})
	})
}

// CompleteLog transitions a log to done or error, recording completion
// time, an optional error message, and optional free-form messages
// (including numCopies overrides).
func (w *Writer) CompleteLog(ctx context.Context, logID string, status Status, errMsg string, messages []LogMessage) {
	now := time.Now()
	props := map[string]any{
		"status": string(status),
		"log_data": map[string]any{
			"entry": map[string]any{"completed_at": now, "messages": messages},
		},
	}
	if errMsg != "" {
		props["error"] = errMsg
	}
	update := entitystore.Update{EntityID: logID, Properties: props}
	w.dispatch(ctx, "complete_log", logID, func(ctx context.Context) error {
		return w.store.AdditiveUpdate(ctx, []entitystore.Update{update})
	})
}

// dispatch launches op on a bounded background goroutine. The caller's
// ctx is not used to cancel the background write (the caller may return
// and cancel ctx immediately after); a detached timeout guards against a
// write hanging forever.
func (w *Writer) dispatch(ctx context.Context, op, logID string, fn func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.sem <- struct{}{}
		defer func() { <-w.sem }()

		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := fn(bgCtx); err != nil {
			w.emitter.Emit(emit.Event{
				LogID:   logID,
				Kind:    emit.KindError,
				Message: fmt.Sprintf("logwriter: %s failed: %v", op, err),
			})
		}
	}()
}

// Wait blocks until all dispatched writes have finished. Intended for
// tests and the simulator's shutdown path, not the production hot path —
// mirroring the Log Writer's own fire-and-forget discipline.
func (w *Writer) Wait() {
	w.wg.Wait()
}
