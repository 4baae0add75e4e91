package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter creates an OpenTelemetry span per event.
//
// Each event becomes a short span named after its kind with the
// execution id, state name, and metadata recorded as attributes. The
// span status is set to Error when the event carries an "error" meta
// key.
//
// Usage:
//
//	tracer := otel.Tracer("stateflow")
//	runner, _ := flow.NewRunner(def, reg, flow.WithEmitter(emit.NewOTelEmitter(tracer)))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span. Events are points in time, so the
// span is ended immediately.
func (o *OTelEmitter) Emit(event Event) {
	name := event.Kind
	if event.StateName != "" {
		name = event.Kind + " " + event.StateName
	}
	_, span := o.tracer.Start(context.Background(), name)
	defer span.End()

	span.SetAttributes(
		attribute.String("execution.id", event.ExecutionID),
		attribute.String("event.kind", event.Kind),
	)
	if event.StateName != "" {
		span.SetAttributes(attribute.String("state.name", event.StateName))
	}
	if event.Msg != "" {
		span.SetAttributes(attribute.String("event.msg", event.Msg))
	}
	for k, v := range event.Meta {
		span.SetAttributes(metaAttribute(k, v))
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

func metaAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
