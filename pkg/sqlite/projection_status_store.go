package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/store"
)

// ProjectionStatusStore reports projection health and rebuild progress.
type ProjectionStatusStore struct {
	db *sql.DB
}

// NewProjectionStatusStore creates the store and its table when missing.
func NewProjectionStatusStore(db *sql.DB) (*ProjectionStatusStore, error) {
	s := &ProjectionStatusStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProjectionStatusStore) ensureTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projection_status (
			projection_name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			progress_json TEXT
		)`)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// Save upserts the projection state.
func (s *ProjectionStatusStore) Save(ctx context.Context, state *store.ProjectionState) error {
	var progressJSON any
	if state.Progress != nil {
		data, err := json.Marshal(state.Progress)
		if err != nil {
			return eventsourcing.NewValidationError("INVALID_PROGRESS", err.Error())
		}
		progressJSON = string(data)
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, updated_at, progress_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at,
			progress_json = excluded.progress_json`,
		state.ProjectionName, string(state.Status), state.Message, updatedAt.Unix(), progressJSON)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// Load returns the stored state, nil when the projection never reported.
func (s *ProjectionStatusStore) Load(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	var (
		state        store.ProjectionState
		status       string
		updatedAt    int64
		progressJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_name, status, message, updated_at, progress_json
		FROM projection_status
		WHERE projection_name = ?`,
		projectionName,
	).Scan(&state.ProjectionName, &status, &state.Message, &updatedAt, &progressJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}

	state.Status = store.ProjectionStatus(status)
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if progressJSON.Valid && progressJSON.String != "" {
		var progress store.RebuildProgress
		if err := json.Unmarshal([]byte(progressJSON.String), &progress); err == nil {
			state.Progress = &progress
		}
	}
	return &state, nil
}

// UpdateProgress refreshes only the rebuild progress of an existing row.
func (s *ProjectionStatusStore) UpdateProgress(ctx context.Context, projectionName string, progress *store.RebuildProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return eventsourcing.NewValidationError("INVALID_PROGRESS", err.Error())
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE projection_status
		SET progress_json = ?, updated_at = ?
		WHERE projection_name = ?`,
		string(data), time.Now().Unix(), projectionName)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}
