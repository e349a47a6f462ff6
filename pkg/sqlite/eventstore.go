// Package sqlite provides the SQLite-backed event store, snapshot store,
// projection checkpoint store and projection builder.
//
// A single database file carries the append-only events table, the global
// sequence counter and the projection bookkeeping tables. Projections may
// live in the same file or in a separate read-side database; every store in
// this package only needs a *sql.DB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/idgen"
)

const eventColumns = `id, aggregate_id, aggregate_type, event_type, version,
	global_version, schema_version, payload, metadata, occurred_at, stored_at`

// Options configure the event store.
type Options struct {
	dsn          string
	walMode      bool
	autoMigrate  bool
	maxOpenConns int
	maxIdleConns int
	logger       *slog.Logger
}

// Option configures the event store.
type Option func(*Options)

// WithDSN sets the raw SQLite DSN, e.g. ":memory:" or "file:libris.db".
func WithDSN(dsn string) Option {
	return func(o *Options) { o.dsn = dsn }
}

// WithFilename stores events in the given database file.
func WithFilename(path string) Option {
	return func(o *Options) { o.dsn = path }
}

// WithMemoryDatabase keeps the store in memory. Intended for tests.
func WithMemoryDatabase() Option {
	return func(o *Options) { o.dsn = ":memory:" }
}

// WithWALMode toggles write-ahead logging. Enabled by default; disable for
// in-memory databases or read-only tooling.
func WithWALMode(enabled bool) Option {
	return func(o *Options) { o.walMode = enabled }
}

// WithAutoMigrate toggles running schema migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(o *Options) { o.autoMigrate = enabled }
}

// WithMaxOpenConns caps the connection pool size.
func WithMaxOpenConns(n int) Option {
	return func(o *Options) { o.maxOpenConns = n }
}

// WithMaxIdleConns caps the idle connection count.
func WithMaxIdleConns(n int) Option {
	return func(o *Options) { o.maxIdleConns = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.logger = logger }
}

// EventStore is a SQLite-backed implementation of store.EventStore.
//
// SQLite allows one writer at a time, so all writes are additionally
// serialized behind an in-process mutex. Cross-process races are caught by
// the (aggregate_id, version) unique constraint.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewEventStore opens the database, applies pragmas and, unless disabled,
// runs schema migrations.
func NewEventStore(opts ...Option) (*EventStore, error) {
	options := &Options{
		dsn:          "events.db",
		walMode:      true,
		autoMigrate:  true,
		maxOpenConns: 4,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	db, err := sql.Open("sqlite", options.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isMemoryDSN(options.dsn) {
		// Every pool connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(options.maxOpenConns)
		db.SetMaxIdleConns(options.maxIdleConns)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if options.walMode && !isMemoryDSN(options.dsn) {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if options.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &EventStore{
		db:     db,
		logger: options.logger.With("component", "sqlite_eventstore"),
	}
	s.logger.Debug("event store ready", "dsn", options.dsn, "wal", options.walMode)
	return s, nil
}

// Append atomically appends events to the aggregate's stream.
//
// The stored head version must equal expectedVersion and the batch must
// carry contiguous versions starting at expectedVersion+1. Each event is
// stamped with a global version from the store-wide sequence, the stored-at
// time and, when absent, a correlation id shared by the whole batch.
func (s *EventStore) Append(ctx context.Context, aggregateID string, events []*domain.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}
	if aggregateID == "" {
		return eventsourcing.NewValidationError("EMPTY_AGGREGATE_ID", "aggregate id is required")
	}
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return eventsourcing.NewValidationError("AGGREGATE_ID_MISMATCH",
				fmt.Sprintf("event %d belongs to aggregate %q, not %q", i, evt.AggregateID, aggregateID))
		}
		if want := expectedVersion + int64(i) + 1; evt.Version != want {
			return eventsourcing.NewValidationError("EVENT_VERSION_GAP",
				fmt.Sprintf("event %d has version %d, want %d", i, evt.Version, want))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?",
		aggregateID,
	).Scan(&current)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: aggregate %s at version %d, expected %d",
			eventsourcing.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	firstGlobal, err := reserveGlobalBlock(ctx, tx, len(events))
	if err != nil {
		return err
	}

	storedAt := domain.Now()
	batchCorrelation := ""
	for i, evt := range events {
		evt.GlobalVersion = firstGlobal + int64(i)
		evt.Metadata.StoredAt = storedAt
		if evt.Metadata.CorrelationID == "" {
			if batchCorrelation == "" {
				batchCorrelation = idgen.MustGenerateSortableID()
			}
			evt.Metadata.CorrelationID = batchCorrelation
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}

	s.logger.Debug("events appended",
		"aggregate_id", aggregateID,
		"count", len(events),
		"version", events[len(events)-1].Version,
		"global_version", events[len(events)-1].GlobalVersion,
	)
	return nil
}

// Load returns the aggregate's full stream in ascending version order.
func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom returns the stream slice with version > afterVersion.
func (s *EventStore) LoadFrom(ctx context.Context, aggregateID string, afterVersion int64) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE aggregate_id = ? AND version > ? ORDER BY version ASC",
		aggregateID, afterVersion,
	)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAllEvents returns events across all aggregates with
// globalVersion > fromPosition, ordered by global version. A non-positive
// limit means no limit.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE global_version > ? ORDER BY global_version ASC LIMIT ?",
		fromPosition, limit,
	)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AggregateVersion returns the latest stored version, 0 when the aggregate
// does not exist.
func (s *EventStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?",
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	return version, nil
}

// FindLatestByPredicate resolves an aggregate id by a JSON payload field of
// its most recent event of the given type. Aggregates whose stream also
// contains the matching lifecycle Deleted event are skipped, so a natural
// key freed by a deletion can be claimed again. Returns "" when nothing
// matches.
func (s *EventStore) FindLatestByPredicate(ctx context.Context, eventType, payloadField, value string) (string, error) {
	if eventType == "" || payloadField == "" {
		return "", eventsourcing.NewValidationError("EMPTY_PREDICATE", "event type and payload field are required")
	}

	field := payloadField
	if !strings.HasPrefix(field, "$.") {
		field = "$." + field
	}

	// BookCreated pairs with BookDeleted and so on. Event types without a
	// Created suffix have no tombstone; the empty type matches no rows.
	deletedType := ""
	if strings.HasSuffix(eventType, "Created") {
		deletedType = strings.TrimSuffix(eventType, "Created") + "Deleted"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var aggregateID string
	err := s.db.QueryRowContext(ctx, `
		SELECT e.aggregate_id
		FROM events e
		WHERE e.event_type = ?
		  AND json_extract(e.payload, ?) = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM events d
		      WHERE d.aggregate_id = e.aggregate_id
		        AND d.event_type = ?
		  )
		ORDER BY e.global_version DESC
		LIMIT 1`,
		eventType, field, value, deletedType,
	).Scan(&aggregateID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eventsourcing.WrapStorageFailure(err)
	}
	return aggregateID, nil
}

// ReserveGlobalVersions atomically reserves a contiguous block of n global
// sequence numbers and returns the first. The numbers are burned whether or
// not events are later stored with them.
func (s *EventStore) ReserveGlobalVersions(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, eventsourcing.NewValidationError("INVALID_RESERVATION", "block size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	defer tx.Rollback()

	first, err := reserveGlobalBlock(ctx, tx, n)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	return first, nil
}

// RunMigrations applies any pending schema migrations.
func (s *EventStore) RunMigrations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(s.db)
}

// MigrationVersion returns the highest applied schema migration version.
func (s *EventStore) MigrationVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return migrationVersion(s.db)
}

// DB exposes the underlying handle so checkpoint, snapshot and projection
// stores can share the database and its transactions.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// reserveGlobalBlock advances the global sequence by n inside tx and returns
// the first number of the reserved block.
func reserveGlobalBlock(ctx context.Context, tx *sql.Tx, n int) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"UPDATE global_sequence SET value = value + ? WHERE id = 1", n,
	); err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT value FROM global_sequence WHERE id = 1",
	).Scan(&last); err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	return last - int64(n) + 1, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt *domain.Event) error {
	payload := evt.Data
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	metadataJSON, err := json.Marshal(evt.Metadata)
	if err != nil {
		return eventsourcing.NewValidationError("INVALID_METADATA", err.Error())
	}
	schemaVersion := evt.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.AggregateID,
		evt.AggregateType,
		evt.EventType,
		evt.Version,
		evt.GlobalVersion,
		schemaVersion,
		string(payload),
		string(metadataJSON),
		evt.Timestamp.Unix(),
		evt.Metadata.StoredAt.Unix(),
	)
	if err != nil {
		return storageError(err)
	}
	return nil
}

// storageError maps driver errors onto the error taxonomy. The SQLite driver
// exposes constraint failures only through the message text.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", eventsourcing.ErrDuplicateEvent, err)
	}
	return eventsourcing.WrapStorageFailure(err)
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	events := []*domain.Event{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var (
		evt          domain.Event
		payload      string
		metadataJSON string
		occurredAt   int64
		storedAt     int64
	)
	err := rows.Scan(
		&evt.ID,
		&evt.AggregateID,
		&evt.AggregateType,
		&evt.EventType,
		&evt.Version,
		&evt.GlobalVersion,
		&evt.SchemaVersion,
		&payload,
		&metadataJSON,
		&occurredAt,
		&storedAt,
	)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}

	evt.Data = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(metadataJSON), &evt.Metadata); err != nil {
		return nil, eventsourcing.WrapStorageFailure(fmt.Errorf("corrupt metadata for event %s: %w", evt.ID, err))
	}
	evt.Timestamp = time.Unix(occurredAt, 0).UTC()
	if evt.Metadata.StoredAt.IsZero() {
		evt.Metadata.StoredAt = time.Unix(storedAt, 0).UTC()
	}
	return &evt, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
