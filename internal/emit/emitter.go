package emit

import "context"

// Emitter receives observability events from the cluster worker, describe
// worker, log writer, and scatter coordinator. Implementations must be
// non-blocking and thread-safe: they are called from many concurrent
// workers and from fire-and-forget log-writer goroutines, and must never
// cause a worker to stall or panic.
type Emitter interface {
	// Emit sends one event. Must not block or panic; errors are handled
	// internally by the implementation.
	Emit(event Event)

	// EmitBatch sends multiple events in one operation. Returns an error
	// only on catastrophic, configuration-level failures — individual
	// event failures are logged internally, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are sent. Safe to call more
	// than once.
	Flush(ctx context.Context) error
}
