// Package observer implements the Workflow-Tree Observer: given a job
// collection, resolve its root log and decide whether the whole log tree
// is complete. The traversal is a plain iterative DFS over sent_to edges
// — no determinism/replay-hash bookkeeping is needed, since this
// observer reads an eventually-consistent log graph rather than
// replaying a recorded run.
package observer

import (
	"context"
	"fmt"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
	"github.com/arke-labs/klados-cluster/internal/logwriter"
	"github.com/arke-labs/klados-cluster/internal/metrics"
)

// Log is one node in the resolved tree: its status and computed expected
// child count.
type Log struct {
	ID               string
	Status           logwriter.Status
	ChildrenSeen     int
	ExpectedChildren int // -1 means UNKNOWN (delegated scatter)
}

// Tree is the resolved log graph for one job collection.
type Tree struct {
	RootLogID string
	Logs      map[string]Log
}

// Observer resolves job-collection completeness against an entity store.
type Observer struct {
	store   entitystore.Store
	metrics *metrics.Metrics
}

// New creates an Observer over the given entity store.
func New(store entitystore.Store) *Observer {
	return &Observer{store: store}
}

// SetMetrics wires a Metrics collector for poll counting.
func (o *Observer) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// IsComplete resolves the job collection's first_log, DFS's sent_to edges,
// and reports whether the tree is complete: every leaf log is terminal,
// and for every terminal log |children| >= expectedChildren with no
// sub-tree yielding UNKNOWN.
func (o *Observer) IsComplete(ctx context.Context, jobCollectionID string) (bool, Tree, error) {
	if o.metrics != nil {
		o.metrics.RecordObserverPoll()
	}
	collection, err := o.store.Get(ctx, jobCollectionID)
	if err != nil {
		return false, Tree{}, fmt.Errorf("observer: load job collection: %w", err)
	}
	rootEdges := collection.Outgoing(entity.PredFirstLog)
	if len(rootEdges) == 0 {
		return false, Tree{}, fmt.Errorf("observer: job collection %s has no first_log", jobCollectionID)
	}
	rootID := rootEdges[0].Peer

	tree := Tree{RootLogID: rootID, Logs: make(map[string]Log)}
	visited := make(map[string]bool)
	stack := []string{rootID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		e, err := o.store.Get(ctx, id)
		if err != nil {
			if err == entitystore.ErrNotFound {
				// A missing predecessor log is a terminal, zero-child
				// leaf for completeness purposes.
				tree.Logs[id] = Log{ID: id, Status: logwriter.StatusError, ExpectedChildren: 0}
				continue
			}
			return false, Tree{}, fmt.Errorf("observer: load log %s: %w", id, err)
		}

		if e.Type != entity.TypeKladosLog {
			// A handoff's outputs can carry a domain-entity id rather than
			// a log id — e.g. the cluster-leader a terminate handoff hands
			// to the Describe Worker. That sent_to edge is data for the
			// next stage, not a child in the log tree, so it neither needs
			// a status nor blocks completeness.
			continue
		}

		sentTo := e.Outgoing(entity.PredSentTo)
		logNode := Log{
			ID:               id,
			Status:           statusOf(e),
			ChildrenSeen:     len(sentTo),
			ExpectedChildren: expectedChildren(e),
		}
		tree.Logs[id] = logNode

		for _, rel := range sentTo {
			if !visited[rel.Peer] {
				stack = append(stack, rel.Peer)
			}
		}
	}

	return evaluate(tree), tree, nil
}

func statusOf(e entity.Entity) logwriter.Status {
	if s, ok := e.Properties["status"].(string); ok {
		return logwriter.Status(s)
	}
	return logwriter.StatusRunning
}

func isTerminal(s logwriter.Status) bool {
	return s == logwriter.StatusDone || s == logwriter.StatusError
}

// expectedChildren computes a log's expected child count: a numCopies
// message override wins outright; otherwise handoffs are summed, with a
// delegated scatter short-circuiting to UNKNOWN (-1).
func expectedChildren(e entity.Entity) int {
	logData, _ := e.Properties["log_data"].(map[string]any)
	entry, _ := logData["entry"].(map[string]any)

	if messages, ok := entry["messages"].([]any); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if n, ok := msg["numCopies"]; ok && n != nil {
				if count, ok := asInt(n); ok {
					return count
				}
			}
		}
	}

	handoffs, _ := entry["handoffs"].([]any)
	total := 0
	for _, h := range handoffs {
		hm, ok := h.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := hm["type"].(string)
		switch logwriter.HandoffKind(kind) {
		case logwriter.HandoffInvoke, logwriter.HandoffPass, logwriter.HandoffGather:
			total++
		case logwriter.HandoffScatter:
			if outputs, ok := hm["outputs"].([]any); ok && len(outputs) > 0 {
				total += len(outputs)
			} else if invocations, ok := hm["invocations"].([]any); ok && len(invocations) > 0 {
				total += len(invocations)
			} else if delegated, ok := hm["delegated"].(bool); ok && delegated {
				return -1 // UNKNOWN
			} else {
				total++
			}
		}
	}
	return total
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// evaluate applies the completeness rule over a resolved tree: every
// node must be terminal and have a known (non-negative) expected child
// count.
func evaluate(tree Tree) bool {
	for _, log := range tree.Logs {
		if log.ExpectedChildren < 0 {
			return false // UNKNOWN anywhere means not yet complete
		}
		if !isTerminal(log.Status) {
			return false
		}
		if log.ChildrenSeen < log.ExpectedChildren {
			return false
		}
	}
	return true
}
