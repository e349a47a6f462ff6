package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/sqlite/migrate"
	"github.com/plaenen/libris/pkg/store"
)

const (
	rebuildBatchSize     = 1000
	rebuildProgressEvery = 100
)

type txContextKey struct{}

// WithTx returns a context carrying the transaction. The projection runtime
// uses it to hand handlers their transaction; callers batching repository
// writes into one transaction can use it directly.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction the projection runtime opened for
// the current event. Read model repositories join it so row updates and the
// checkpoint commit together.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok
}

// TransactionalEventHandler processes one event inside the projection's
// transaction.
type TransactionalEventHandler func(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope) error

// SQLiteProjectionBuilder assembles a SQLiteProjection: its schema
// migrations, its event handlers and its reset behavior.
type SQLiteProjectionBuilder struct {
	name          string
	db            *sql.DB
	eventStore    store.EventStore
	migrationsFS  fs.FS
	migrationsDir string
	order         []string
	handlers      map[string]TransactionalEventHandler
	resetFn       func(ctx context.Context, tx *sql.Tx) error
	logger        *slog.Logger
}

// NewProjectionBuilder starts a builder for a named projection backed by db.
func NewProjectionBuilder(name string, db *sql.DB) *SQLiteProjectionBuilder {
	return &SQLiteProjectionBuilder{
		name:     name,
		db:       db,
		handlers: make(map[string]TransactionalEventHandler),
	}
}

// WithMigrations registers the projection's schema migrations. They run in
// Build against a migration table scoped to this projection, so every
// projection versions its tables independently.
func (b *SQLiteProjectionBuilder) WithMigrations(fsys fs.FS, dir string) *SQLiteProjectionBuilder {
	b.migrationsFS = fsys
	b.migrationsDir = dir
	return b
}

// WithEventStore enables Rebuild by giving the projection a source to replay
// from.
func (b *SQLiteProjectionBuilder) WithEventStore(eventStore store.EventStore) *SQLiteProjectionBuilder {
	b.eventStore = eventStore
	return b
}

// WithLogger sets the logger. Defaults to slog.Default().
func (b *SQLiteProjectionBuilder) WithLogger(logger *slog.Logger) *SQLiteProjectionBuilder {
	b.logger = logger
	return b
}

// On registers a typed handler. The projection's transaction travels in the
// context; repositories retrieve it with TxFromContext.
func (b *SQLiteProjectionBuilder) On(registration eventsourcing.EventHandlerRegistration) *SQLiteProjectionBuilder {
	handler := registration.Handler
	return b.OnWithTx(registration.EventType, func(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope) error {
		return handler(WithTx(ctx, tx), envelope)
	})
}

// OnWithTx registers a handler that works on the transaction directly.
// Registering the same event type twice panics.
func (b *SQLiteProjectionBuilder) OnWithTx(eventType string, handler TransactionalEventHandler) *SQLiteProjectionBuilder {
	if _, exists := b.handlers[eventType]; exists {
		panic(fmt.Sprintf("projection %s: handler for %s already registered", b.name, eventType))
	}
	b.handlers[eventType] = handler
	b.order = append(b.order, eventType)
	return b
}

// OnReset registers the statement(s) that clear the projection's tables.
// Without it, Reset only deletes the checkpoint and rebuilds rely on the
// handlers' upserts to converge.
func (b *SQLiteProjectionBuilder) OnReset(fn func(ctx context.Context, tx *sql.Tx) error) *SQLiteProjectionBuilder {
	b.resetFn = fn
	return b
}

// Build runs the projection's migrations and wires its bookkeeping stores.
func (b *SQLiteProjectionBuilder) Build(ctx context.Context) (*SQLiteProjection, error) {
	if b.name == "" {
		return nil, eventsourcing.NewValidationError("EMPTY_PROJECTION_NAME", "projection name is required")
	}
	if b.db == nil {
		return nil, eventsourcing.NewValidationError("NIL_DATABASE", "projection requires a database")
	}
	if len(b.handlers) == 0 {
		return nil, eventsourcing.NewValidationError("NO_HANDLERS", "projection has no event handlers")
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite_projection", "projection", b.name)

	if b.migrationsFS != nil {
		m := migrate.New(b.db, fmt.Sprintf("projection_%s_schema_migrations", sanitizeTableName(b.name)))
		if err := m.LoadFromFS(b.migrationsFS, b.migrationsDir); err != nil {
			return nil, fmt.Errorf("projection %s: %w", b.name, err)
		}
		if err := m.Up(); err != nil {
			return nil, fmt.Errorf("projection %s: %w", b.name, err)
		}
	}

	checkpoints, err := NewCheckpointStore(b.db)
	if err != nil {
		return nil, err
	}
	status, err := NewProjectionStatusStore(b.db)
	if err != nil {
		return nil, err
	}

	p := &SQLiteProjection{
		name:        b.name,
		db:          b.db,
		eventStore:  b.eventStore,
		order:       b.order,
		handlers:    b.handlers,
		resetFn:     b.resetFn,
		checkpoints: checkpoints,
		status:      status,
		logger:      logger,
	}

	// First boot reports READY; a FAILED state from an earlier run stays
	// visible until a rebuild clears it.
	existing, err := status.Load(ctx, b.name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := p.saveStatus(ctx, store.ProjectionStatusReady, "projection registered", nil); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// SQLiteProjection is a read model fed by the event bus. Every event is
// processed in one transaction together with the projection checkpoint, so
// redelivered events converge instead of double-applying.
type SQLiteProjection struct {
	name        string
	db          *sql.DB
	eventStore  store.EventStore
	order       []string
	handlers    map[string]TransactionalEventHandler
	resetFn     func(ctx context.Context, tx *sql.Tx) error
	checkpoints *CheckpointStore
	status      *ProjectionStatusStore
	logger      *slog.Logger
}

// Name identifies the projection; also the scope of its checkpoint.
func (p *SQLiteProjection) Name() string {
	return p.name
}

// EventTypes lists handled event types in registration order.
func (p *SQLiteProjection) EventTypes() []string {
	types := make([]string, len(p.order))
	copy(types, p.order)
	return types
}

// Handle applies one event. The handler's row changes and the checkpoint
// advance commit atomically. The checkpoint is monitoring bookkeeping, not a
// dedup gate: events from different aggregates arrive out of global order,
// so rows carry their own versions and handlers must upsert.
func (p *SQLiteProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	handler, ok := p.handlers[envelope.EventType]
	if !ok {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	defer tx.Rollback()

	if err := handler(ctx, tx, envelope); err != nil {
		return err
	}

	// Transient coordination events never enter the store and carry no
	// global version.
	if !envelope.IsTransient() {
		if err := p.checkpoints.AdvanceInTx(tx, p.name, envelope.GlobalVersion, envelope.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// Reset clears the projection's tables and checkpoint.
func (p *SQLiteProjection) Reset(ctx context.Context) error {
	if err := p.reset(ctx); err != nil {
		return err
	}
	return p.saveStatus(ctx, store.ProjectionStatusReady, "reset", nil)
}

func (p *SQLiteProjection) reset(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	defer tx.Rollback()

	if p.resetFn != nil {
		if err := p.resetFn(ctx, tx); err != nil {
			return err
		}
	} else {
		p.logger.Warn("reset without a reset handler, projection rows kept")
	}
	if err := p.checkpoints.DeleteInTx(tx, p.name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}

	p.logger.Info("projection reset")
	return nil
}

// Rebuild clears the read model and replays the full event history from the
// store. Requires the builder to have been given an event store.
func (p *SQLiteProjection) Rebuild(ctx context.Context) error {
	if p.eventStore == nil {
		return eventsourcing.NewValidationError("REBUILD_UNAVAILABLE",
			"projection was built without an event store to replay from")
	}

	progress := &store.RebuildProgress{StartedAt: time.Now()}
	if err := p.saveStatus(ctx, store.ProjectionStatusRebuilding, "rebuild started", progress); err != nil {
		return err
	}
	if err := p.reset(ctx); err != nil {
		return p.failRebuild(ctx, err)
	}

	var position int64
	var processed int64
	for {
		if err := ctx.Err(); err != nil {
			return p.failRebuild(ctx, err)
		}

		events, err := p.eventStore.LoadAllEvents(ctx, position, rebuildBatchSize)
		if err != nil {
			return p.failRebuild(ctx, err)
		}
		if len(events) == 0 {
			break
		}

		for _, evt := range events {
			position = evt.GlobalVersion
			if _, handled := p.handlers[evt.EventType]; !handled {
				continue
			}
			envelope, err := domain.Envelope(evt)
			if err != nil {
				return p.failRebuild(ctx, err)
			}
			if err := p.Handle(ctx, envelope); err != nil {
				return p.failRebuild(ctx, err)
			}
			processed++
			if processed%rebuildProgressEvery == 0 {
				progress.EventsProcessed = processed
				if err := p.status.UpdateProgress(ctx, p.name, progress); err != nil {
					p.logger.Warn("failed to update rebuild progress", "error", err)
				}
			}
		}
	}

	progress.EventsProcessed = processed
	if err := p.saveStatus(ctx, store.ProjectionStatusReady, "rebuild complete", progress); err != nil {
		return err
	}
	p.logger.Info("projection rebuilt", "events", processed)
	return nil
}

// Checkpoint returns the projection's checkpoint, nil before the first
// handled event.
func (p *SQLiteProjection) Checkpoint(ctx context.Context) (*store.ProjectionCheckpoint, error) {
	return p.checkpoints.Load(ctx, p.name)
}

// Status returns the persisted projection state.
func (p *SQLiteProjection) Status(ctx context.Context) (*store.ProjectionState, error) {
	return p.status.Load(ctx, p.name)
}

// IsReady reports whether the projection is serving queries.
func (p *SQLiteProjection) IsReady(ctx context.Context) bool {
	state, err := p.status.Load(ctx, p.name)
	if err != nil || state == nil {
		return false
	}
	return state.Status == store.ProjectionStatusReady
}

func (p *SQLiteProjection) failRebuild(ctx context.Context, cause error) error {
	// The status row must land even when the rebuild died of a canceled
	// context.
	ctx = context.WithoutCancel(ctx)
	if err := p.saveStatus(ctx, store.ProjectionStatusFailed, cause.Error(), nil); err != nil {
		p.logger.Error("failed to record rebuild failure", "error", err)
	}
	p.logger.Error("projection rebuild failed", "error", cause)
	return cause
}

func (p *SQLiteProjection) saveStatus(ctx context.Context, status store.ProjectionStatus, message string, progress *store.RebuildProgress) error {
	return p.status.Save(ctx, &store.ProjectionState{
		ProjectionName: p.name,
		Status:         status,
		Message:        message,
		UpdatedAt:      time.Now(),
		Progress:       progress,
	})
}

// sanitizeTableName makes a projection name safe for use in an identifier.
func sanitizeTableName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}
