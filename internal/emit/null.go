package emit

import "context"

// NullEmitter discards every event. Tests use it where events are not
// inspected; the CLI falls back to a LogEmitter, not this, when
// KLADOS_OTEL_ENDPOINT is unset.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

func (n *NullEmitter) Flush(context.Context) error { return nil }
