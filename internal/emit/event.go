// Package emit provides event emission and observability for the cluster
// workflow: a small Event/Emitter contract any worker can fire status,
// info, and error events through.
package emit

// Event represents an observability event emitted by a worker.
type Event struct {
	// JobID identifies the job collection this event belongs to. Empty
	// for process-level events (startup, configuration).
	JobID string

	// LogID identifies the log entity the emitting worker owns. Empty
	// for events not tied to a specific worker invocation.
	LogID string

	// Kind classifies the event: "info", "error", "handoff", "state".
	Kind string

	// Message is a human-readable description.
	Message string

	// Meta carries additional structured data (e.g. "state": "JOINED",
	// "attempt": 2, "cause": err.Error()).
	Meta map[string]any
}

const (
	KindInfo    = "info"
	KindError   = "error"
	KindHandoff = "handoff"
	KindState   = "state"
)
