package cqrs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
)

// CommandEndpoint exposes one command type as a request/reply handler. The
// raw body decodes into T, gets wrapped in a fresh envelope and dispatched
// on the bus; the acknowledgement travels back as the response data. A
// correlation id on the context replaces the generated one, so events
// produced by the command join the caller's trace.
func CommandEndpoint[T any](bus eventsourcing.CommandBus, commandType string) HandlerFunc {
	return func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		cmd := new(T)
		if len(data) > 0 {
			if err := json.Unmarshal(data, cmd); err != nil {
				return nil, eventsourcing.NewValidationError("MALFORMED_REQUEST",
					fmt.Sprintf("decode %s: %v", commandType, err))
			}
		}

		envelope := domain.NewCommandEnvelope(commandType, cmd)
		if cid := CorrelationIDFromContext(ctx); cid != "" {
			envelope.Metadata.CorrelationID = cid
		}

		ack, err := bus.Send(ctx, envelope)
		if err != nil {
			return nil, err
		}
		return eventsourcing.NewSuccessResponse(ack)
	}
}

// QueryEndpoint exposes one query method as a request/reply handler. An
// empty body runs the zero-valued query; required-field checks stay in the
// query handler where they belong.
func QueryEndpoint[Q any, R any](fn func(ctx context.Context, query *Q) (R, error)) HandlerFunc {
	return func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		query := new(Q)
		if len(data) > 0 {
			if err := json.Unmarshal(data, query); err != nil {
				return nil, eventsourcing.NewValidationError("MALFORMED_REQUEST",
					fmt.Sprintf("decode query: %v", err))
			}
		}

		result, err := fn(ctx, query)
		if err != nil {
			return nil, err
		}
		return eventsourcing.NewSuccessResponse(result)
	}
}
