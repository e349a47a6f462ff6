package middleware

import (
	"context"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/observability"
)

// MetricsMiddleware records command duration, totals, and errors. A nil
// metrics set (telemetry disabled) makes the middleware a passthrough.
func MetricsMiddleware(metrics *observability.Metrics) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		if metrics == nil {
			return next
		}

		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (*eventsourcing.CommandAck, error) {
			start := time.Now()

			ack, err := next.Handle(ctx, cmd)

			metrics.RecordCommand(ctx, cmd.CommandType, time.Since(start), err)

			return ack, err
		})
	}
}
