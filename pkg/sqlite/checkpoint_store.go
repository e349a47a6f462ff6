package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/store"
)

// CheckpointStore persists projection checkpoints in SQLite. The *InTx
// variants join an open transaction so a checkpoint commits atomically with
// the projection rows it accounts for.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates the store and its table when missing.
func NewCheckpointStore(db *sql.DB) (*CheckpointStore, error) {
	s := &CheckpointStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CheckpointStore) ensureTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projection_checkpoints (
			projection_name TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			last_event_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// Save writes the checkpoint unconditionally, overwriting any stored
// position. Use AdvanceInTx on the hot path; Save is for tooling and resets.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	_, err := s.db.ExecContext(ctx, saveCheckpointSQL,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.Unix())
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// SaveInTx is Save inside an open transaction.
func (s *CheckpointStore) SaveInTx(tx *sql.Tx, checkpoint *store.ProjectionCheckpoint) error {
	_, err := tx.Exec(saveCheckpointSQL,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.Unix())
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// AdvanceInTx moves the checkpoint forward to position, keeping the stored
// value when it is already further ahead. Events arrive in per-aggregate
// order but not in global order, so the checkpoint must never regress.
func (s *CheckpointStore) AdvanceInTx(tx *sql.Tx, projectionName string, position int64, lastEventID string) error {
	_, err := tx.Exec(`
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			last_event_id = CASE WHEN excluded.position >= position THEN excluded.last_event_id ELSE last_event_id END,
			position = MAX(position, excluded.position),
			updated_at = excluded.updated_at`,
		projectionName, position, lastEventID, time.Now().Unix())
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// Load returns the stored checkpoint, nil when the projection has never
// checkpointed.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint store.ProjectionCheckpoint
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_name, position, last_event_id, updated_at
		FROM projection_checkpoints
		WHERE projection_name = ?`,
		projectionName,
	).Scan(&checkpoint.ProjectionName, &checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	checkpoint.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &checkpoint, nil
}

// Delete removes the checkpoint. Missing rows are not an error.
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM projection_checkpoints WHERE projection_name = ?", projectionName)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// DeleteInTx is Delete inside an open transaction.
func (s *CheckpointStore) DeleteInTx(tx *sql.Tx, projectionName string) error {
	_, err := tx.Exec(
		"DELETE FROM projection_checkpoints WHERE projection_name = ?", projectionName)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// DB exposes the underlying handle for transactional callers.
func (s *CheckpointStore) DB() *sql.DB {
	return s.db
}

const saveCheckpointSQL = `
	INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(projection_name) DO UPDATE SET
		position = excluded.position,
		last_event_id = excluded.last_event_id,
		updated_at = excluded.updated_at`
