// Package cluster implements the Cluster Worker: the state machine
// instantiated once per entity per layer, that converges a set of
// concurrently-running peers onto a shared cluster_leader via semantic
// search, a jittered recheck/follower-wait, and a two-step fallback.
//
// State is the worker's terminal state once it stops running; Outcome
// pairs that state with what to hand off next and whether the log
// closed in error — the worker runs through several states before
// producing one final Outcome.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/arke-labs/klados-cluster/internal/clustererr"
	"github.com/arke-labs/klados-cluster/internal/emit"
	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/jitter"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/metrics"
	"github.com/arke-labs/klados-cluster/internal/searchclient"
)

// State is one of the Cluster Worker's named states.
type State string

const (
	StateSearching      State = "SEARCHING"
	StateRecheckPending State = "RECHECK_PENDING"
	StateLeadingWaiting State = "LEADING_WAITING"
	StateJoined         State = "JOINED"
	StateFallback       State = "FALLBACK"
	StateDissolved      State = "DISSOLVED"
	StateTerminated     State = "TERMINATED"
)

// Config holds the Cluster Worker's tunables.
type Config struct {
	// SearchLimit is K, the candidate cap on the initial and recheck
	// searches. Default 5.
	SearchLimit int
	// RecheckDelay is the wait before repeating the peer-visibility check
	// from RECHECK_PENDING. Default 10s.
	RecheckDelay time.Duration
	// FollowerWaitMin/Max bound the jittered wait in LEADING_WAITING.
	// Defaults 30s/90s.
	FollowerWaitMin time.Duration
	FollowerWaitMax time.Duration
}

// DefaultConfig holds the Cluster Worker's recommended tunables.
var DefaultConfig = Config{
	SearchLimit:     5,
	RecheckDelay:    10 * time.Second,
	FollowerWaitMin: 30 * time.Second,
	FollowerWaitMax: 90 * time.Second,
}

// Outcome is what a Worker run produced: the terminal state reached and,
// for TERMINATED, the cluster-leader id to hand off to the Describe Worker.
type Outcome struct {
	State         State
	ClusterLeader string // set only when State == StateTerminated
	Err           error
}

// Worker runs one Cluster Worker invocation for entityID at layer.
type Worker struct {
	store   entitystore.Store
	search  searchclient.Client
	writer  *logwriter.Writer
	emitter emit.Emitter
	cfg     Config
	rng     *rand.Rand
	sleep   func(context.Context, time.Duration) error
	metrics *metrics.Metrics
}

// New creates a Cluster Worker. rng may be nil for non-deterministic
// jitter (production); the simulator passes a seeded rng for reproducible
// runs.
func New(store entitystore.Store, search searchclient.Client, writer *logwriter.Writer, emitter emit.Emitter, cfg Config, rng *rand.Rand) *Worker {
	return &Worker{
		store:   store,
		search:  search,
		writer:  writer,
		emitter: emitter,
		cfg:     cfg,
		rng:     rng,
		sleep:   ctxSleep,
	}
}

// SetSleeper overrides how the worker waits during RECHECK_PENDING and
// LEADING_WAITING. Production code never calls this (the default is a
// real time.After); the simulator substitutes its virtual-clock Sleep so
// a whole run advances deterministically from a seed instead of wall time.
func (w *Worker) SetSleeper(sleep func(context.Context, time.Duration) error) {
	w.sleep = sleep
}

// SetMetrics wires a Metrics collector. Production code calls this once at
// startup; tests and the simulator may leave it nil, which every recording
// call guards against.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

func (w *Worker) recordTransition(from, to State) {
	if w.metrics != nil {
		w.metrics.RecordTransition(string(from), string(to))
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drives entityID through the Cluster Worker state machine at layer,
// writing log transitions as it goes and returning the terminal Outcome.
// logID is the log this invocation owns; arrivedAt is the time entityID
// became visible at layer, used to restrict the semantic fallback to
// peers indexed since arrival.
func (w *Worker) Run(ctx context.Context, logID, entityID string, layer int, arrivedAt time.Time) Outcome {
	state := StateSearching

	for {
		switch state {
		case StateSearching:
			next, outcome, err := w.search1(ctx, logID, entityID, layer)
			if err != nil {
				return w.fail(ctx, logID, "cluster-search", entityID, err)
			}
			if outcome != nil {
				w.recordTransition(state, outcome.State)
				return *outcome
			}
			w.recordTransition(state, next)
			state = next

		case StateRecheckPending:
			if err := w.sleep(ctx, w.cfg.RecheckDelay); err != nil {
				return w.fail(ctx, logID, "cluster-recheck", entityID, err)
			}
			next, outcome, err := w.search1(ctx, logID, entityID, layer)
			if err != nil {
				return w.fail(ctx, logID, "cluster-recheck", entityID, err)
			}
			if outcome != nil {
				w.recordTransition(state, outcome.State)
				return *outcome
			}
			if next == StateRecheckPending {
				// Peers are visible but still none belongs to a cluster;
				// there is no second recheck, so this becomes
				// LEADING_WAITING, as an empty search does.
				next = StateLeadingWaiting
			}
			w.recordTransition(state, next)
			state = next

		case StateLeadingWaiting:
			leaderID, err := w.becomeLeader(ctx, entityID, layer)
			if err != nil {
				return w.fail(ctx, logID, "cluster-lead", entityID, err)
			}
			wait := jitter.Uniform(w.cfg.FollowerWaitMin, w.cfg.FollowerWaitMax, w.rng)
			if err := w.sleep(ctx, wait); err != nil {
				return w.fail(ctx, logID, "cluster-lead-wait", entityID, err)
			}
			members, err := w.store.MembersOf(ctx, leaderID)
			if err != nil {
				return w.fail(ctx, logID, "cluster-lead-wait", entityID, err)
			}
			if len(members) != 1 {
				w.recordTransition(state, StateTerminated)
				return w.terminate(ctx, logID, leaderID)
			}
			w.recordTransition(state, StateFallback)
			state = StateFallback

		case StateFallback:
			outcome := w.fallback(ctx, logID, entityID, layer, arrivedAt)
			w.recordTransition(state, outcome.State)
			return outcome
		}
	}
}

// search1 runs one semantic-search peer-visibility check (the shared logic
// of the initial SEARCHING transition and the RECHECK_PENDING timer).
// It returns either a next state to continue the loop with, or a non-nil
// *Outcome when the check reached a terminal (JOINED) result.
func (w *Worker) search1(ctx context.Context, logID, entityID string, layer int) (State, *Outcome, error) {
	candidates, err := w.search.Search(ctx, searchclient.Query{
		Layer:       layer,
		Limit:       w.cfg.SearchLimit,
		ExcludeSelf: entityID,
	})
	if err != nil {
		return "", nil, err
	}

	for _, c := range candidates {
		peer, err := w.store.Get(ctx, c.PeerID)
		if err != nil {
			continue
		}
		if leaderID, ok := peer.SummarizedBy(); ok {
			outcome := w.join(ctx, logID, entityID, leaderID)
			return "", &outcome, nil
		}
	}

	if len(candidates) > 0 {
		return StateRecheckPending, nil, nil
	}
	return StateLeadingWaiting, nil, nil
}

// join attaches entityID's summarized_by to leaderID and closes the log
// with an empty handoff.
func (w *Worker) join(ctx context.Context, logID, entityID, leaderID string) Outcome {
	update := entitystore.Update{
		EntityID:         entityID,
		RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredSummarizedBy, Peer: leaderID, PeerType: entity.TypeClusterLeader}},
	}
	if err := w.store.AdditiveUpdate(ctx, []entitystore.Update{update}); err != nil {
		return w.fail(ctx, logID, "cluster-join", entityID, err)
	}
	w.writer.SetHandoffs(ctx, logID, nil)
	w.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)
	return Outcome{State: StateJoined}
}

// becomeLeader creates a new cluster_leader entity at layer+1 and attaches
// entityID's summarized_by to it (the LEADING_WAITING transition).
func (w *Worker) becomeLeader(ctx context.Context, entityID string, layer int) (string, error) {
	leaderID, err := w.store.CreateWithRelationships(ctx, entity.Entity{
		Type: entity.TypeClusterLeader,
		Properties: map[string]any{
			entity.LayerProperty: layer + 1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create cluster leader: %w", err)
	}
	update := entitystore.Update{
		EntityID:         entityID,
		RelationshipsAdd: []entity.Relationship{{Predicate: entity.PredSummarizedBy, Peer: leaderID, PeerType: entity.TypeClusterLeader}},
	}
	if err := w.store.AdditiveUpdate(ctx, []entitystore.Update{update}); err != nil {
		return "", fmt.Errorf("attach to own cluster leader: %w", err)
	}
	return leaderID, nil
}

// terminate closes the log with a single invoke handoff to the Describe
// Worker, whose output is the surviving cluster-leader id.
func (w *Worker) terminate(ctx context.Context, logID, leaderID string) Outcome {
	w.writer.SetHandoffs(ctx, logID, []logwriter.Handoff{
		{Kind: logwriter.HandoffInvoke, Outputs: []string{leaderID}},
	})
	w.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)
	return Outcome{State: StateTerminated, ClusterLeader: leaderID}
}

// fallback runs the two-step fallback plus dissolve, called from
// LEADING_WAITING once the follower wait elapses and the leader is
// still solo.
func (w *Worker) fallback(ctx context.Context, logID, entityID string, layer int, arrivedAt time.Time) Outcome {
	myLeaderID, ok := w.mySummarizedBy(ctx, entityID)
	if !ok {
		return w.fail(ctx, logID, "cluster-fallback", entityID, clustererr.ErrMissingDependency)
	}

	if outcome, ok, err := w.semanticFallback(ctx, logID, entityID, layer, arrivedAt, myLeaderID); err != nil {
		return w.fail(ctx, logID, "cluster-fallback-semantic", entityID, err)
	} else if ok {
		return outcome
	}

	if outcome, ok, err := w.lexicographicFallback(ctx, logID, entityID, layer, myLeaderID); err != nil {
		return w.fail(ctx, logID, "cluster-fallback-lexicographic", entityID, err)
	} else if ok {
		return outcome
	}

	return w.dissolve(ctx, logID, entityID, myLeaderID)
}

func (w *Worker) mySummarizedBy(ctx context.Context, entityID string) (string, bool) {
	e, err := w.store.Get(ctx, entityID)
	if err != nil {
		return "", false
	}
	return e.SummarizedBy()
}

// semanticFallback is step 1: re-run the search with no K cap restricted
// to peers indexed since arrival; join the first descending-score peer
// that already belongs to a different cluster.
func (w *Worker) semanticFallback(ctx context.Context, logID, entityID string, layer int, arrivedAt time.Time, myLeaderID string) (Outcome, bool, error) {
	if w.metrics != nil {
		w.metrics.RecordFallbackStep("semantic")
	}
	since := arrivedAt.UnixNano()
	candidates, err := w.search.Search(ctx, searchclient.Query{
		Layer:        layer,
		Limit:        0,
		ExcludeSelf:  entityID,
		IndexedSince: &since,
	})
	if err != nil {
		return Outcome{}, false, err
	}

	for _, c := range candidates {
		peer, err := w.store.Get(ctx, c.PeerID)
		if err != nil {
			continue
		}
		peerLeaderID, ok := peer.SummarizedBy()
		if !ok || peerLeaderID == myLeaderID {
			continue
		}
		return w.switchCluster(ctx, logID, entityID, myLeaderID, peerLeaderID), true, nil
	}
	return Outcome{}, false, nil
}

// lexicographicFallback is step 2: enumerate layer-L entities in
// ascending id order. Encountering self first means we remain leader
// (proceed to TERMINATED/dissolve in the caller); otherwise join the
// first predecessor whose cluster differs from ours.
func (w *Worker) lexicographicFallback(ctx context.Context, logID, entityID string, layer int, myLeaderID string) (Outcome, bool, error) {
	if w.metrics != nil {
		w.metrics.RecordFallbackStep("lexicographic")
	}
	ids, err := w.store.ByLayer(ctx, layer, "")
	if err != nil {
		return Outcome{}, false, err
	}

	for _, id := range ids {
		if id == entityID {
			return Outcome{}, false, nil
		}
		peer, err := w.store.Get(ctx, id)
		if err != nil {
			continue
		}
		peerLeaderID, ok := peer.SummarizedBy()
		if !ok || peerLeaderID == myLeaderID {
			continue
		}
		return w.switchCluster(ctx, logID, entityID, myLeaderID, peerLeaderID), true, nil
	}
	return Outcome{}, false, nil
}

// switchCluster leaves the caller's solo cluster (delete leader, drop
// summarized_by) and attaches to newLeaderID, then terminates with a
// handoff to that surviving cluster — convergence means joining someone
// else's branch, not starting a new one.
func (w *Worker) switchCluster(ctx context.Context, logID, entityID, myLeaderID, newLeaderID string) Outcome {
	if err := w.store.Delete(ctx, myLeaderID); err != nil {
		return w.fail(ctx, logID, "cluster-switch", entityID, err)
	}
	if err := w.store.ReassignSummarizedBy(ctx, entityID, newLeaderID); err != nil {
		return w.fail(ctx, logID, "cluster-switch", entityID, err)
	}
	w.writer.SetHandoffs(ctx, logID, nil)
	w.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)
	return Outcome{State: StateJoined}
}

// dissolve implements step 3: both fallbacks found nothing, so this
// entity is the sole member at layer L. Delete the cluster leader, drop
// summarized_by, and emit no handoff.
func (w *Worker) dissolve(ctx context.Context, logID, entityID, myLeaderID string) Outcome {
	if err := w.store.Delete(ctx, myLeaderID); err != nil {
		return w.fail(ctx, logID, "cluster-dissolve", entityID, err)
	}
	if err := w.store.ReassignSummarizedBy(ctx, entityID, ""); err != nil && err != entitystore.ErrNotFound {
		return w.fail(ctx, logID, "cluster-dissolve", entityID, err)
	}
	w.writer.SetHandoffs(ctx, logID, nil)
	w.writer.CompleteLog(ctx, logID, logwriter.StatusDone, "", nil)
	return Outcome{State: StateDissolved}
}

func (w *Worker) fail(ctx context.Context, logID, stage, entityID string, err error) Outcome {
	werr := &clustererr.WorkerError{Stage: stage, EntityID: entityID, Cause: err}
	w.emitter.Emit(emit.Event{LogID: logID, Kind: emit.KindError, Message: werr.Error()})
	w.writer.CompleteLog(ctx, logID, logwriter.StatusError, werr.Error(), nil)
	return Outcome{Err: werr}
}
