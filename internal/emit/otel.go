package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans: one instantaneous
// span per event, named by Kind, carrying JobID/LogID/Meta as attributes.
// Enabled when KLADOS_OTEL_ENDPOINT is set (cmd/klados-cluster's
// buildEmitter wires the tracer provider, with no exporter configured;
// this emitter only needs a trace.Tracer).
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from an already-configured tracer,
// e.g. otel.Tracer("klados-cluster").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Kind)
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Kind)
		o.annotate(span, event)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	attrs := []attribute.KeyValue{
		attribute.String("job_id", event.JobID),
		attribute.String("log_id", event.LogID),
	}
	for k, v := range event.Meta {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)
	span.AddEvent(event.Message)
	if event.Kind == KindError {
		span.SetStatus(codes.Error, event.Message)
		span.RecordError(fmt.Errorf("%s", event.Message))
	}
}

// Flush is a no-op here: the caller is expected to flush the underlying
// TracerProvider (e.g. sdktrace.TracerProvider.ForceFlush) on shutdown,
// since this emitter only holds a trace.Tracer, not the provider.
func (o *OTelEmitter) Flush(context.Context) error { return nil }
