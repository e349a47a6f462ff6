package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/store"
)

// SnapshotStore persists aggregate snapshots in SQLite. Snapshots are an
// optimization only; the event stream stays the source of truth.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates the store and its table when missing.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) ensureTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS aggregate_snapshots (
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (aggregate_id, version)
		)`)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// SaveSnapshot stores a snapshot, replacing any existing one at the same
// version.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *store.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregate_snapshots (aggregate_id, aggregate_type, version, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id, version) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			data = excluded.data,
			created_at = excluded.created_at`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, snapshot.Data, snapshot.CreatedAt.Unix())
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// GetLatestSnapshot returns the newest snapshot for the aggregate, nil when
// none exists.
func (s *SnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	return s.querySnapshot(ctx, `
		SELECT aggregate_id, aggregate_type, version, data, created_at
		FROM aggregate_snapshots
		WHERE aggregate_id = ?
		ORDER BY version DESC
		LIMIT 1`,
		aggregateID)
}

// GetSnapshotBeforeVersion returns the newest snapshot at or below version,
// nil when none exists. Used when replaying to a historical point.
func (s *SnapshotStore) GetSnapshotBeforeVersion(ctx context.Context, aggregateID string, version int64) (*store.Snapshot, error) {
	return s.querySnapshot(ctx, `
		SELECT aggregate_id, aggregate_type, version, data, created_at
		FROM aggregate_snapshots
		WHERE aggregate_id = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1`,
		aggregateID, version)
}

// DeleteOldSnapshots removes all but the keepLatest newest snapshots for the
// aggregate.
func (s *SnapshotStore) DeleteOldSnapshots(ctx context.Context, aggregateID string, keepLatest int64) error {
	if keepLatest < 0 {
		keepLatest = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM aggregate_snapshots
		WHERE aggregate_id = ?
		  AND version NOT IN (
		      SELECT version FROM aggregate_snapshots
		      WHERE aggregate_id = ?
		      ORDER BY version DESC
		      LIMIT ?
		  )`,
		aggregateID, aggregateID, keepLatest)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

func (s *SnapshotStore) querySnapshot(ctx context.Context, query string, args ...any) (*store.Snapshot, error) {
	var (
		snapshot  store.Snapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snapshot.AggregateID,
		&snapshot.AggregateType,
		&snapshot.Version,
		&snapshot.Data,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	snapshot.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &snapshot, nil
}
