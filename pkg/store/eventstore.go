package store

import (
	"context"

	"github.com/plaenen/libris/pkg/domain"
)

// EventStore persists and retrieves aggregate event streams.
//
// Append is the only write path. Versions within one aggregate are contiguous
// from 1; the store assigns every event a store-wide strictly increasing
// global version at append time.
type EventStore interface {
	// Append atomically appends events to an aggregate's stream.
	// The latest stored version must equal expectedVersion (0 for a new
	// aggregate) or the append fails with ErrConcurrencyConflict. An
	// (aggregateId, version) unique-index race surfaces as
	// ErrDuplicateEvent. Events are durable when Append returns; the store
	// stamps globalVersion, storedAt and a correlation id when absent.
	Append(ctx context.Context, aggregateID string, events []*domain.Event, expectedVersion int64) error

	// Load returns an aggregate's full stream in ascending version order.
	// An unknown aggregate yields an empty slice and no error.
	Load(ctx context.Context, aggregateID string) ([]*domain.Event, error)

	// LoadFrom returns the stream slice with version > afterVersion, in
	// ascending version order.
	LoadFrom(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error)

	// LoadAllEvents returns events across all aggregates with
	// globalVersion > fromPosition, ordered by globalVersion, at most limit.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error)

	// AggregateVersion returns the latest stored version for an aggregate,
	// 0 when the aggregate does not exist.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// FindLatestByPredicate resolves an aggregate id by a JSON payload field
	// of its most recent event of the given type, honoring lifecycle: an
	// aggregate whose latest matching event is superseded by a Deleted
	// event is not returned. Returns "" when nothing matches.
	FindLatestByPredicate(ctx context.Context, eventType, payloadField, value string) (string, error)

	// ReserveGlobalVersions atomically reserves a contiguous block of n
	// global sequence numbers and returns the first.
	ReserveGlobalVersions(ctx context.Context, n int) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
