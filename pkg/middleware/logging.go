// Package middleware provides cross-cutting command-bus middleware:
// logging, panic recovery, validation, tracing, and metrics. Middleware
// composes through CommandBus.Use, first registered outermost.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/observability"
)

// LoggingMiddleware logs command execution with timing information. When the
// context carries a span the log lines carry its trace id.
func LoggingMiddleware(logger *slog.Logger) eventsourcing.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (*eventsourcing.CommandAck, error) {
			start := time.Now()

			log := logger
			if traceID := observability.TraceID(ctx); traceID != "" {
				log = logger.With(slog.String("trace_id", traceID))
			}

			log.InfoContext(ctx, "executing command",
				slog.String("command_type", cmd.CommandType),
				slog.String("command_id", cmd.Metadata.CommandID),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			)

			ack, err := next.Handle(ctx, cmd)

			duration := time.Since(start)

			if err != nil {
				log.ErrorContext(ctx, "command failed",
					slog.String("command_type", cmd.CommandType),
					slog.String("command_id", cmd.Metadata.CommandID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			log.InfoContext(ctx, "command executed",
				slog.String("command_type", cmd.CommandType),
				slog.String("command_id", cmd.Metadata.CommandID),
				slog.String("aggregate_id", ack.AggregateID),
				slog.Int64("aggregate_version", ack.Version),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return ack, nil
		})
	}
}
