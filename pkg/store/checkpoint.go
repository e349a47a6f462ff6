package store

import (
	"context"
	"time"
)

// ProjectionCheckpoint tracks how far a projection has consumed the global
// event sequence.
type ProjectionCheckpoint struct {
	ProjectionName string
	Position       int64
	LastEventID    string
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save upserts a checkpoint.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load returns the checkpoint for a projection, nil when none exists.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete removes a checkpoint (used before a rebuild).
	Delete(ctx context.Context, projectionName string) error
}
