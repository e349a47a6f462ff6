package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// The SQLite exporters persist spans and metric points into the service's
// own database, so a single-binary deployment gets inspectable telemetry
// with no collector. The connection is owned by the caller; Shutdown does
// not close it.

const (
	spansTable   = "otel_spans"
	metricsTable = "otel_metrics"
)

// SQLiteExporterOption configures a SQLite exporter.
type SQLiteExporterOption func(*sqliteExporterConfig)

type sqliteExporterConfig struct {
	retention time.Duration
	logger    *slog.Logger
}

// WithRetention enables deletion of telemetry older than d. Zero keeps
// everything. Cleanup piggybacks on exports, at most once per hour.
func WithRetention(d time.Duration) SQLiteExporterOption {
	return func(cfg *sqliteExporterConfig) {
		cfg.retention = d
	}
}

// WithExporterLogger sets the logger for export-path warnings.
func WithExporterLogger(logger *slog.Logger) SQLiteExporterOption {
	return func(cfg *sqliteExporterConfig) {
		cfg.logger = logger
	}
}

func newExporterConfig(opts []SQLiteExporterOption) sqliteExporterConfig {
	cfg := sqliteExporterConfig{
		retention: 7 * 24 * time.Hour,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SQLiteSpanExporter writes finished spans to the otel_spans table. It
// implements sdktrace.SpanExporter and is normally wrapped in a batcher by
// the tracer provider.
type SQLiteSpanExporter struct {
	db  *sql.DB
	cfg sqliteExporterConfig

	mu          sync.Mutex
	lastCleanup time.Time
}

var _ sdktrace.SpanExporter = (*SQLiteSpanExporter)(nil)

// NewSQLiteSpanExporter creates the span exporter and its table.
func NewSQLiteSpanExporter(db *sql.DB, opts ...SQLiteExporterOption) (*SQLiteSpanExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS ` + spansTable + ` (
		span_id        TEXT PRIMARY KEY,
		trace_id       TEXT NOT NULL,
		parent_span_id TEXT,
		name           TEXT NOT NULL,
		kind           INTEGER NOT NULL,
		start_time     INTEGER NOT NULL,
		end_time       INTEGER NOT NULL,
		status_code    INTEGER NOT NULL,
		status_message TEXT,
		attributes     TEXT,
		events         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_otel_spans_trace ON ` + spansTable + `(trace_id);
	CREATE INDEX IF NOT EXISTS idx_otel_spans_start ON ` + spansTable + `(start_time);`

	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating spans table: %w", err)
	}

	return &SQLiteSpanExporter{db: db, cfg: newExporterConfig(opts)}, nil
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *SQLiteSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO `+spansTable+` (
			span_id, trace_id, parent_span_id, name, kind,
			start_time, end_time, status_code, status_message,
			attributes, events
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare span statement: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		spanCtx := span.SpanContext()

		var parentSpanID *string
		if span.Parent().SpanID().IsValid() {
			sid := span.Parent().SpanID().String()
			parentSpanID = &sid
		}

		attrs, _ := json.Marshal(keyValuesToMap(span.Attributes()))
		events, _ := json.Marshal(spanEventsToSlice(span.Events()))

		if _, err := stmt.ExecContext(ctx,
			spanCtx.SpanID().String(),
			spanCtx.TraceID().String(),
			parentSpanID,
			span.Name(),
			int(span.SpanKind()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	e.maybeCleanupLocked(spansTable, "start_time")
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The connection is managed
// externally.
func (e *SQLiteSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *SQLiteSpanExporter) maybeCleanupLocked(table, timeColumn string) {
	cleanupExpired(e.db, e.cfg, &e.lastCleanup, table, timeColumn)
}

// SQLiteMetricExporter writes collected metric points to the otel_metrics
// table. It implements sdkmetric.Exporter and is normally driven by a
// periodic reader.
type SQLiteMetricExporter struct {
	db  *sql.DB
	cfg sqliteExporterConfig

	mu          sync.Mutex
	lastCleanup time.Time
}

var _ sdkmetric.Exporter = (*SQLiteMetricExporter)(nil)

// NewSQLiteMetricExporter creates the metric exporter and its table.
func NewSQLiteMetricExporter(db *sql.DB, opts ...SQLiteExporterOption) (*SQLiteMetricExporter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	ddl := `
	CREATE TABLE IF NOT EXISTS ` + metricsTable + ` (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		unit       TEXT,
		type       TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		value      REAL,
		count      INTEGER,
		sum        REAL,
		min        REAL,
		max        REAL,
		attributes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_otel_metrics_name_time ON ` + metricsTable + `(name, timestamp);`

	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("creating metrics table: %w", err)
	}

	return &SQLiteMetricExporter{db: db, cfg: newExporterConfig(opts)}, nil
}

// Temporality implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(kind)
}

// Aggregation implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// Export implements sdkmetric.Exporter.
func (e *SQLiteMetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+metricsTable+` (
			name, unit, type, timestamp, value, count, sum, min, max, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare metric statement: %w", err)
	}
	defer stmt.Close()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				err = insertNumberPoints(ctx, stmt, m, "gauge", data.DataPoints)
			case metricdata.Gauge[float64]:
				err = insertNumberPoints(ctx, stmt, m, "gauge", data.DataPoints)
			case metricdata.Sum[int64]:
				err = insertNumberPoints(ctx, stmt, m, "sum", data.DataPoints)
			case metricdata.Sum[float64]:
				err = insertNumberPoints(ctx, stmt, m, "sum", data.DataPoints)
			case metricdata.Histogram[int64]:
				err = insertHistogramPoints(ctx, stmt, m, data.DataPoints)
			case metricdata.Histogram[float64]:
				err = insertHistogramPoints(ctx, stmt, m, data.DataPoints)
			default:
				e.cfg.logger.Debug("skipping unsupported metric aggregation",
					"metric", m.Name, "type", fmt.Sprintf("%T", m.Data))
			}
			if err != nil {
				return fmt.Errorf("insert metric %s: %w", m.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	cleanupExpired(e.db, e.cfg, &e.lastCleanup, metricsTable, "timestamp")
	return nil
}

// ForceFlush implements sdkmetric.Exporter. Export writes synchronously, so
// there is nothing buffered.
func (e *SQLiteMetricExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements sdkmetric.Exporter. The connection is managed
// externally.
func (e *SQLiteMetricExporter) Shutdown(ctx context.Context) error {
	return nil
}

func insertNumberPoints[N int64 | float64](ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, metricType string, points []metricdata.DataPoint[N]) error {
	for _, dp := range points {
		attrs, _ := json.Marshal(attributeSetToMap(dp.Attributes))
		_, err := stmt.ExecContext(ctx,
			m.Name, m.Unit, metricType, dp.Time.UnixNano(),
			float64(dp.Value), nil, nil, nil, nil,
			string(attrs),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertHistogramPoints[N int64 | float64](ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, points []metricdata.HistogramDataPoint[N]) error {
	for _, dp := range points {
		attrs, _ := json.Marshal(attributeSetToMap(dp.Attributes))

		var minVal, maxVal any
		if v, defined := dp.Min.Value(); defined {
			minVal = float64(v)
		}
		if v, defined := dp.Max.Value(); defined {
			maxVal = float64(v)
		}

		_, err := stmt.ExecContext(ctx,
			m.Name, m.Unit, "histogram", dp.Time.UnixNano(),
			nil, int64(dp.Count), float64(dp.Sum), minVal, maxVal,
			string(attrs),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanupExpired deletes rows older than the retention window, throttled to
// once per hour. Failures only log; telemetry cleanup never breaks exports.
func cleanupExpired(db *sql.DB, cfg sqliteExporterConfig, lastCleanup *time.Time, table, timeColumn string) {
	if cfg.retention <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(*lastCleanup) < time.Hour {
		return
	}
	*lastCleanup = now

	cutoff := now.Add(-cfg.retention).UnixNano()
	if _, err := db.Exec(`DELETE FROM `+table+` WHERE `+timeColumn+` < ?`, cutoff); err != nil {
		cfg.logger.Warn("telemetry retention cleanup failed", "table", table, "error", err)
	}
}

func keyValuesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func attributeSetToMap(set attribute.Set) map[string]any {
	out := make(map[string]any, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func spanEventsToSlice(events []sdktrace.Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"name":       ev.Name,
			"time":       ev.Time.UnixNano(),
			"attributes": keyValuesToMap(ev.Attributes),
		})
	}
	return out
}
