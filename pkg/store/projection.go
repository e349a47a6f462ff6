package store

import (
	"context"
	"time"
)

// ProjectionStatus is the operational state of a projection.
type ProjectionStatus string

const (
	// ProjectionStatusReady means the projection is consuming live events
	// and can serve queries.
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding means the read model is being replayed
	// from stored history.
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed means the projection stopped on an error.
	ProjectionStatusFailed ProjectionStatus = "FAILED"

	// ProjectionStatusPaused means the projection is intentionally not
	// consuming.
	ProjectionStatusPaused ProjectionStatus = "PAUSED"
)

// ProjectionState is the persisted status record for one projection.
type ProjectionState struct {
	ProjectionName string
	Status         ProjectionStatus
	Message        string
	UpdatedAt      time.Time
	Progress       *RebuildProgress
}

// RebuildProgress tracks a running rebuild.
type RebuildProgress struct {
	EventsProcessed int64
	TotalEvents     int64
	StartedAt       time.Time
}

// ProjectionStatusStore persists projection status for monitoring and for
// gating queries during rebuilds.
type ProjectionStatusStore interface {
	Save(ctx context.Context, state *ProjectionState) error

	// Load returns the state, nil when the projection has never reported.
	Load(ctx context.Context, projectionName string) (*ProjectionState, error)

	UpdateProgress(ctx context.Context, projectionName string, progress *RebuildProgress) error
}
