package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/eventsourcing"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 sum: %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	ctx := context.Background()

	tel, err := Init(ctx, Config{ServiceName: "libris-test"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	// Both signals are disabled yet fully usable.
	_, span := tel.Tracer("test").Start(ctx, "noop-span")
	span.End()

	if tel.Metrics != nil {
		t.Fatal("expected no metric instruments without a reader")
	}

	counter, err := tel.Meter("test").Int64Counter("test.counter")
	if err != nil {
		t.Fatalf("create counter on disabled meter: %v", err)
	}
	counter.Add(ctx, 1)

	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricsRecordInstruments(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	tel, err := Init(ctx, Config{
		ServiceName:  "libris-test",
		MetricReader: reader,
	})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer tel.Shutdown(ctx)

	if tel.Metrics == nil {
		t.Fatal("expected metric instruments with a reader configured")
	}

	tel.Metrics.RecordCommand(ctx, "CreateBook", 25*time.Millisecond, nil)
	tel.Metrics.RecordCommand(ctx, "CreateReservation", 40*time.Millisecond,
		eventsourcing.NewConflictError("VERSION_CONFLICT", "expected version 2"))
	tel.Metrics.RecordEventStoreOperation(ctx, "append", 5*time.Millisecond, 3)
	tel.Metrics.RecordSagaTransition(ctx, "reservation", "Validating", "PendingPayment")
	tel.Metrics.RecordProjectionLag(ctx, "book_catalog", 0.5)

	rm := collect(t, reader)

	if got := counterValue(t, rm, "libris.command.total"); got != 2 {
		t.Errorf("expected 2 commands recorded, got %d", got)
	}
	if got := counterValue(t, rm, "libris.events.appended"); got != 3 {
		t.Errorf("expected 3 events appended, got %d", got)
	}
	if got := counterValue(t, rm, "libris.saga.transitions"); got != 1 {
		t.Errorf("expected 1 saga transition, got %d", got)
	}

	errMetric, ok := findMetric(rm, "libris.command.errors")
	if !ok {
		t.Fatal("expected command error metric")
	}
	errSum := errMetric.Data.(metricdata.Sum[int64])
	if len(errSum.DataPoints) != 1 {
		t.Fatalf("expected one error datapoint, got %d", len(errSum.DataPoints))
	}
	code, _ := errSum.DataPoints[0].Attributes.Value(attribute.Key("error_code"))
	if code.AsString() != "VERSION_CONFLICT" {
		t.Errorf("expected the domain error code on the datapoint, got %q", code.AsString())
	}

	durMetric, ok := findMetric(rm, "libris.command.duration")
	if !ok {
		t.Fatal("expected command duration metric")
	}
	hist := durMetric.Data.(metricdata.Histogram[float64])
	var observations uint64
	for _, dp := range hist.DataPoints {
		observations += dp.Count
	}
	if observations != 2 {
		t.Errorf("expected 2 duration observations, got %d", observations)
	}

	lagMetric, ok := findMetric(rm, "libris.projection.lag")
	if !ok {
		t.Fatal("expected projection lag metric")
	}
	lag := lagMetric.Data.(metricdata.Gauge[float64])
	if len(lag.DataPoints) != 1 || lag.DataPoints[0].Value != 0.5 {
		t.Errorf("unexpected projection lag datapoints: %+v", lag.DataPoints)
	}
}

func TestInstrumentedCache(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	tel, err := Init(ctx, Config{ServiceName: "libris-test", MetricReader: reader})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer tel.Shutdown(ctx)

	inner := cache.NewMemory(time.Minute)
	instrumented := NewInstrumentedCache(inner, tel.Metrics, "catalog")

	if _, ok := instrumented.Get(ctx, "book:get:1"); ok {
		t.Fatal("expected a miss on the empty cache")
	}
	instrumented.Set(ctx, "book:get:1", []byte(`{"id":"1"}`), 0)
	if _, ok := instrumented.Get(ctx, "book:get:1"); !ok {
		t.Fatal("expected a hit after set")
	}

	rm := collect(t, reader)
	if got := counterValue(t, rm, "libris.cache.hits"); got != 1 {
		t.Errorf("expected 1 hit, got %d", got)
	}
	if got := counterValue(t, rm, "libris.cache.misses"); got != 1 {
		t.Errorf("expected 1 miss, got %d", got)
	}

	// Without instruments the decorator is a passthrough.
	if NewInstrumentedCache(inner, nil, "catalog") != inner {
		t.Fatal("expected nil metrics to return the inner cache")
	}
}
