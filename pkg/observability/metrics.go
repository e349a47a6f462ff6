package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/libris/pkg/eventsourcing"
)

// Metrics holds the metric instruments shared across the backend.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event metrics
	EventsAppended    metric.Int64Counter
	EventsPublished   metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Projection metrics
	ProjectionLag    metric.Float64Gauge
	ProjectionErrors metric.Int64Counter

	// Saga metrics
	SagaTransitions metric.Int64Counter

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"libris.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"libris.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"libris.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"libris.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"libris.events.published",
		metric.WithDescription("Total events published to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"libris.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"libris.projection.lag",
		metric.WithDescription("Projection lag in seconds behind the event stream"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"libris.projection.errors",
		metric.WithDescription("Projection processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.SagaTransitions, err = meter.Int64Counter(
		"libris.saga.transitions",
		metric.WithDescription("Reservation saga state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating saga.transitions: %w", err)
	}

	m.CacheHits, err = meter.Int64Counter(
		"libris.cache.hits",
		metric.WithDescription("Cache lookups that found an entry"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache.hits: %w", err)
	}

	m.CacheMisses, err = meter.Int64Counter(
		"libris.cache.misses",
		metric.WithDescription("Cache lookups that missed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache.misses: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs, attribute.String("error_code", errorCode(err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordEventStoreOperation records event store operation metrics. Appends
// additionally count the events written.
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "append" && eventCount > 0 {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordEventsPublished counts events handed to the event bus.
func (m *Metrics) RecordEventsPublished(ctx context.Context, count int) {
	if count > 0 {
		m.EventsPublished.Add(ctx, int64(count))
	}
}

// RecordProjectionLag records how far behind a projection is.
func (m *Metrics) RecordProjectionLag(ctx context.Context, projectionName string, lagSeconds float64) {
	m.ProjectionLag.Record(ctx, lagSeconds, metric.WithAttributes(
		attribute.String("projection", projectionName),
	))
}

// RecordProjectionError records projection processing errors.
func (m *Metrics) RecordProjectionError(ctx context.Context, projectionName string, errorType string) {
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
		attribute.String("error_type", errorType),
	))
}

// RecordSagaTransition counts a reservation saga moving between statuses.
func (m *Metrics) RecordSagaTransition(ctx context.Context, saga, from, to string) {
	m.SagaTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", saga),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordCacheAccess counts a cache lookup as a hit or a miss.
func (m *Metrics) RecordCacheAccess(ctx context.Context, cacheName string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("cache", cacheName))
	if hit {
		m.CacheHits.Add(ctx, 1, attrs)
	} else {
		m.CacheMisses.Add(ctx, 1, attrs)
	}
}

// errorCode extracts the stable code from a domain error, "INTERNAL"
// otherwise.
func errorCode(err error) string {
	var domainErr *eventsourcing.DomainError
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	return "INTERNAL"
}
