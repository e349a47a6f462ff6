package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans across the command bus and the transports,
// so traces join on the same names everywhere.
var (
	AttrCommandType   = attribute.Key("command.type")
	AttrCommandID     = attribute.Key("command.id")
	AttrCorrelationID = attribute.Key("correlation.id")
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrVersion       = attribute.Key("aggregate.version")
	AttrErrorCode     = attribute.Key("error.code")
)

// CommandAttrs returns the span attributes identifying one command dispatch.
func CommandAttrs(commandType, commandID, correlationID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrCommandType.String(commandType)}
	if commandID != "" {
		attrs = append(attrs, AttrCommandID.String(commandID))
	}
	if correlationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(correlationID))
	}
	return attrs
}

// AckAttrs returns the span attributes for a command acknowledgement.
func AckAttrs(aggregateID string, version int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateID.String(aggregateID),
		AttrVersion.Int64(version),
	}
}

// ErrorAttrs returns the span attributes classifying a failed operation.
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{AttrErrorCode.String(errorCode(err))}
}

// TraceID returns the active trace id, empty when the context carries no
// span. Log lines carry it so logs and traces join up.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}
