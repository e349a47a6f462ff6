package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/observability"
)

// TracingMiddleware adds a span around command execution. With an empty
// tracer name the global tracer provider supplies the tracer, which stays a
// no-op until telemetry is initialized.
func TracingMiddleware(tracerName string) eventsourcing.CommandMiddleware {
	if tracerName == "" {
		tracerName = "libris"
	}
	return TracingMiddlewareWithTracer(otel.Tracer(tracerName))
}

// TracingMiddlewareWithTracer adds a span around command execution using a
// specific tracer.
func TracingMiddlewareWithTracer(tracer trace.Tracer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (*eventsourcing.CommandAck, error) {
			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.CommandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.CommandAttrs(
					cmd.CommandType, cmd.Metadata.CommandID, cmd.Metadata.CorrelationID)...),
			)
			defer span.End()

			ack, err := next.Handle(spanCtx, cmd)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(observability.ErrorAttrs(err)...)
				return nil, err
			}

			if ack != nil {
				span.SetAttributes(observability.AckAttrs(ack.AggregateID, ack.Version)...)
			}
			span.SetStatus(codes.Ok, "")

			return ack, nil
		})
	}
}
