package store

import (
	"context"
	"fmt"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
)

// Repository loads and saves one aggregate type against the event store.
type Repository[T domain.Aggregate] interface {
	// Load rehydrates an aggregate from its stream. An unknown id fails
	// with a NotFound-kind error.
	Load(ctx context.Context, id string) (T, error)

	// Save appends the aggregate's uncommitted events with optimistic
	// concurrency and returns them as persisted (global versions and
	// storage metadata assigned). The caller publishes them.
	Save(ctx context.Context, aggregate T) ([]*domain.Event, error)

	// Exists reports whether any events are stored for the id.
	Exists(ctx context.Context, id string) (bool, error)
}

// Applier folds one event into aggregate state during rehydration.
type Applier[T domain.Aggregate] func(aggregate T, event *domain.Event) error

// BaseRepository implements Repository on top of an EventStore with a
// factory and an applier function.
type BaseRepository[T domain.Aggregate] struct {
	eventStore    EventStore
	aggregateType string
	factory       func(id string) T
	applier       Applier[T]

	snapshots        SnapshotStore
	snapshotStrategy SnapshotStrategy
}

// RepositoryOption configures a BaseRepository.
type RepositoryOption[T domain.Aggregate] func(*BaseRepository[T])

// WithSnapshots enables snapshot-accelerated loads and strategy-driven
// snapshot writes. The aggregate type must implement Snapshotable.
func WithSnapshots[T domain.Aggregate](snapshots SnapshotStore, strategy SnapshotStrategy) RepositoryOption[T] {
	return func(r *BaseRepository[T]) {
		r.snapshots = snapshots
		r.snapshotStrategy = strategy
	}
}

// NewRepository creates a repository for one aggregate type. factory builds
// an empty instance for an id; applier folds events into it.
func NewRepository[T domain.Aggregate](
	eventStore EventStore,
	aggregateType string,
	factory func(id string) T,
	applier Applier[T],
	opts ...RepositoryOption[T],
) *BaseRepository[T] {
	r := &BaseRepository[T]{
		eventStore:    eventStore,
		aggregateType: aggregateType,
		factory:       factory,
		applier:       applier,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rehydrates an aggregate by replaying its stream in version order.
func (r *BaseRepository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	aggregate := r.factory(id)
	var afterVersion int64

	if r.snapshots != nil {
		if restored, ok := any(aggregate).(Snapshotable); ok {
			snapshot, err := r.snapshots.GetLatestSnapshot(ctx, id)
			if err == nil && snapshot != nil {
				if err := restored.UnmarshalSnapshot(snapshot.Data); err != nil {
					return zero, fmt.Errorf("restore snapshot for %s %s: %w", r.aggregateType, id, err)
				}
				afterVersion = snapshot.Version
			}
		}
	}

	events, err := r.eventStore.LoadFrom(ctx, id, afterVersion)
	if err != nil {
		return zero, fmt.Errorf("load events for %s %s: %w", r.aggregateType, id, err)
	}
	if len(events) == 0 && afterVersion == 0 {
		return zero, eventsourcing.NewNotFoundError(
			"AGGREGATE_NOT_FOUND",
			fmt.Sprintf("%s %s not found", r.aggregateType, id),
		)
	}

	for _, event := range events {
		if err := r.applier(aggregate, event); err != nil {
			return zero, fmt.Errorf("apply %s v%d to %s %s: %w", event.EventType, event.Version, r.aggregateType, id, err)
		}
	}

	version := afterVersion
	if len(events) > 0 {
		version = events[len(events)-1].Version
	}
	if versioned, ok := any(aggregate).(interface{ SetVersion(int64) }); ok {
		versioned.SetVersion(version)
	}

	return aggregate, nil
}

// Save appends the uncommitted events. The expected version is the
// aggregate's version minus its buffered events, so a concurrent writer that
// advanced the stream causes ErrConcurrencyConflict.
func (r *BaseRepository[T]) Save(ctx context.Context, aggregate T) ([]*domain.Event, error) {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil, nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))
	if err := r.eventStore.Append(ctx, aggregate.ID(), uncommitted, expectedVersion); err != nil {
		return nil, err
	}

	persisted := make([]*domain.Event, len(uncommitted))
	copy(persisted, uncommitted)
	aggregate.ClearUncommittedEvents()

	r.maybeSnapshot(ctx, aggregate)

	return persisted, nil
}

// Exists reports whether the aggregate has any stored events.
func (r *BaseRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.AggregateVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("check %s %s existence: %w", r.aggregateType, id, err)
	}
	return version > 0, nil
}

// maybeSnapshot writes a snapshot when the strategy asks for one. Snapshot
// faults never fail the save.
func (r *BaseRepository[T]) maybeSnapshot(ctx context.Context, aggregate T) {
	if r.snapshots == nil || r.snapshotStrategy == nil {
		return
	}
	snapshottable, ok := any(aggregate).(Snapshotable)
	if !ok {
		return
	}

	currentVersion := aggregate.Version()
	var lastSnapshotVersion int64
	if snapshot, err := r.snapshots.GetLatestSnapshot(ctx, aggregate.ID()); err == nil && snapshot != nil {
		lastSnapshotVersion = snapshot.Version
	}
	if !r.snapshotStrategy.ShouldCreateSnapshot(currentVersion, currentVersion-lastSnapshotVersion) {
		return
	}

	data, err := snapshottable.MarshalSnapshot()
	if err != nil {
		return
	}
	_ = r.snapshots.SaveSnapshot(ctx, &Snapshot{
		AggregateID:   aggregate.ID(),
		AggregateType: r.aggregateType,
		Version:       currentVersion,
		Data:          data,
		CreatedAt:     domain.Now(),
	})
}
