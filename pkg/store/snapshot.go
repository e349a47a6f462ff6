package store

import (
	"context"
	"time"
)

// Snapshot is a serialized aggregate state at a specific version. Replays
// resume from Version+1.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	CreatedAt     time.Time
}

// SnapshotStore persists aggregate snapshots. Snapshots are an optimization:
// losing them is always recoverable from the event stream.
type SnapshotStore interface {
	// SaveSnapshot upserts a snapshot for (aggregateID, version).
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// GetLatestSnapshot returns the most recent snapshot, nil when none.
	GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// GetSnapshotBeforeVersion returns the latest snapshot with
	// Version <= version, nil when none.
	GetSnapshotBeforeVersion(ctx context.Context, aggregateID string, version int64) (*Snapshot, error)

	// DeleteOldSnapshots removes snapshots below the given version.
	DeleteOldSnapshots(ctx context.Context, aggregateID string, olderThanVersion int64) error
}

// SnapshotStrategy decides when a snapshot should be written.
type SnapshotStrategy interface {
	ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64) bool
}

// IntervalSnapshotStrategy snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// NewIntervalSnapshotStrategy creates a strategy that snapshots once an
// aggregate accumulates interval events past its last snapshot.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

func (s *IntervalSnapshotStrategy) ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceLastSnapshot >= s.Interval
}

// Snapshotable aggregates can serialize their state for snapshotting.
type Snapshotable interface {
	MarshalSnapshot() ([]byte, error)
	UnmarshalSnapshot(data []byte) error
}
