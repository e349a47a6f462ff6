// Package loadtest exercises the reservation stack under concurrent and
// sustained load: optimistic-concurrency behavior of the write model, event
// log consistency, and saga settlement across contexts.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/libris/pkg/books"
	bookhandlers "github.com/plaenen/libris/pkg/books/handlers"
	bookprojections "github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	cqrsnats "github.com/plaenen/libris/pkg/cqrs/nats"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/messaging"
	"github.com/plaenen/libris/pkg/middleware"
	natspkg "github.com/plaenen/libris/pkg/nats"
	reservationhandlers "github.com/plaenen/libris/pkg/reservations/handlers"
	reservationprojections "github.com/plaenen/libris/pkg/reservations/projections"
	"github.com/plaenen/libris/pkg/sdk"
	sqlitepkg "github.com/plaenen/libris/pkg/sqlite"
	"github.com/plaenen/libris/pkg/wallets"
	wallethandlers "github.com/plaenen/libris/pkg/wallets/handlers"
	walletprojections "github.com/plaenen/libris/pkg/wallets/projections"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loadConfig returns the default configuration with a retry budget sized for
// the contention these tests create. The workers below pile far more writers
// onto single aggregates than the production default of three attempts is
// meant to absorb.
func loadConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetryAttempts = 25
	return cfg
}

// Deps wires the write model directly: command handlers against an in-memory
// store with no consumers behind the bus. Suited to tests that assert on
// streams and rehydrated aggregates rather than on read models.
type Deps struct {
	Events  *sqlitepkg.EventStore
	Books   *bookhandlers.CommandHandler
	Wallets *wallethandlers.CommandHandler
	Bus     *sinkBus
	Cfg     config.Config
}

// SetupDeps builds the direct write-model harness.
func SetupDeps(t *testing.T) *Deps {
	t.Helper()
	logger := discardLogger()
	cfg := loadConfig()

	events, err := sqlitepkg.NewEventStore(
		sqlitepkg.WithMemoryDatabase(),
		sqlitepkg.WithWALMode(false),
		sqlitepkg.WithLogger(logger),
	)
	require.NoError(t, err, "create event store")
	t.Cleanup(func() { events.Close() })

	bookViews, err := bookprojections.NewBookViews(events.DB())
	require.NoError(t, err, "create book views")

	bus := &sinkBus{}
	return &Deps{
		Events: events,
		Books: bookhandlers.NewCommandHandler(events, bookViews, bus, cfg,
			bookhandlers.WithLogger(logger)),
		Wallets: wallethandlers.NewCommandHandler(events, bus, cfg,
			wallethandlers.WithLogger(logger)),
		Bus: bus,
		Cfg: cfg,
	}
}

// Stack is the daemon topology in miniature: embedded broker, in-memory
// store, every projection and reactor, the request/reply server, and a
// connected client. Reads are eventually consistent; assertions on view
// state go through waitFor.
type Stack struct {
	Client *sdk.Client
	Events *sqlitepkg.EventStore
	Cfg    config.Config
}

// SetupStack boots the full in-process stack.
func SetupStack(t *testing.T) *Stack {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()
	cfg := loadConfig()

	events, err := sqlitepkg.NewEventStore(
		sqlitepkg.WithMemoryDatabase(),
		sqlitepkg.WithWALMode(false),
		sqlitepkg.WithLogger(logger),
	)
	require.NoError(t, err, "create event store")
	t.Cleanup(func() { events.Close() })

	bus, broker, err := natspkg.NewEmbeddedEventBus(ctx)
	require.NoError(t, err, "start embedded bus")
	t.Cleanup(broker.Shutdown)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bus.Shutdown(shutdownCtx)
	})

	db := events.DB()
	memCache := cache.NewMemory(time.Minute)

	bookViews, err := bookprojections.NewBookViews(db)
	require.NoError(t, err, "create book views")
	walletViews, err := walletprojections.NewWalletViews(db)
	require.NoError(t, err, "create wallet views")
	reservationViews, err := reservationprojections.NewReservationViews(db)
	require.NoError(t, err, "create reservation views")

	commands := eventsourcing.NewCommandBus()
	commands.Use(middleware.RecoveryMiddleware(logger))
	commands.Use(middleware.MetadataValidationMiddleware())
	commands.Use(middleware.ValidationMiddleware(middleware.SelfValidator{}))

	bookhandlers.NewCommandHandler(events, bookViews, bus, cfg,
		bookhandlers.WithLogger(logger)).Register(commands)
	wallethandlers.NewCommandHandler(events, bus, cfg,
		wallethandlers.WithLogger(logger)).Register(commands)
	reservationhandlers.NewCommandHandler(events, bus, cfg,
		reservationhandlers.WithLogger(logger)).Register(commands)

	manager := eventsourcing.NewProjectionManager(bus,
		eventsourcing.WithProjectionLogger(logger))

	bookProj, err := bookprojections.NewProjection(ctx, db, bookViews, events, memCache, logger)
	require.NoError(t, err, "build book projection")
	walletProj, err := walletprojections.NewProjection(ctx, db, walletViews, events, memCache, logger)
	require.NoError(t, err, "build wallet projection")
	reservationProj, err := reservationprojections.NewProjection(ctx, db, reservationViews, events, memCache, logger)
	require.NoError(t, err, "build reservation projection")
	manager.Register(bookProj)
	manager.Register(walletProj)
	manager.Register(reservationProj)
	manager.Register(bookhandlers.NewValidationProjection(bookViews, bus, logger))
	manager.Register(wallethandlers.NewPaymentsProjection(events, bus, cfg, logger))
	manager.Register(wallethandlers.NewLateFeesProjection(events, bus, cfg, logger))
	manager.Register(reservationhandlers.NewSagaProjection(events, reservationViews, bus, cfg, logger))

	require.NoError(t, manager.StartAll(ctx), "start projections")
	t.Cleanup(manager.StopAll)
	require.NoError(t, bus.StartConsuming(ctx), "start consuming")

	server, err := cqrsnats.NewServer(ctx, &cqrsnats.ServerConfig{
		URL:    broker.URL(),
		Name:   "libris-loadtest",
		Logger: logger,
	})
	require.NoError(t, err, "create server")
	t.Cleanup(func() { server.Close() })

	bookQueries := bookhandlers.NewQueryHandler(bookViews, memCache, cfg)
	walletQueries := wallethandlers.NewQueryHandler(walletViews, memCache, cfg)
	reservationQueries := reservationhandlers.NewQueryHandler(reservationViews, memCache, cfg)

	require.NoError(t, errors.Join(
		bookhandlers.RegisterEndpoints(server, commands, bookQueries),
		wallethandlers.RegisterEndpoints(server, commands, walletQueries),
		reservationhandlers.RegisterEndpoints(server, commands, reservationQueries),
	), "register endpoints")
	require.NoError(t, server.Start(ctx), "start server")

	client, err := sdk.Connect(ctx, &cqrsnats.TransportConfig{
		URL:    broker.URL(),
		Logger: logger,
	})
	require.NoError(t, err, "connect client")
	t.Cleanup(func() { client.Close() })

	return &Stack{Client: client, Events: events, Cfg: cfg}
}

// waitFor polls check until it returns true. Reads lag writes by however
// long the bus takes to deliver, normally a few milliseconds.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// NewMeta returns command metadata with fresh ids.
func NewMeta() domain.CommandMetadata {
	id := domain.NewAggregateID()
	return domain.CommandMetadata{
		CommandID:     id,
		CorrelationID: "load-" + id,
		Timestamp:     domain.Now(),
	}
}

// CreateBook registers a catalog book through the direct handler and returns
// its aggregate id.
func CreateBook(t *testing.T, deps *Deps, isbn, title, price string) string {
	t.Helper()
	ack, err := deps.Books.CreateBook(context.Background(), &books.CreateBookCommand{
		ISBN:            isbn,
		Title:           title,
		Author:          "Iris Brandt",
		PublicationYear: 2020,
		Price:           price,
	}, NewMeta())
	require.NoError(t, err, "create book")
	return ack.AggregateID
}

// CreateWallet opens a wallet through the direct handler and returns its
// aggregate id.
func CreateWallet(t *testing.T, deps *Deps, userID, balance string) string {
	t.Helper()
	ack, err := deps.Wallets.CreateWallet(context.Background(), &wallets.CreateWalletCommand{
		UserID:  userID,
		Balance: balance,
	}, NewMeta())
	require.NoError(t, err, "create wallet")
	return ack.AggregateID
}

// LoadBook rehydrates the book write model from its stream.
func LoadBook(t *testing.T, deps *Deps, id string) *books.Book {
	t.Helper()
	book, err := books.NewRepository(deps.Events).Load(context.Background(), id)
	require.NoError(t, err, "load book")
	return book
}

// LoadWallet rehydrates the wallet write model from its stream.
func LoadWallet(t *testing.T, deps *Deps, id string) *wallets.Wallet {
	t.Helper()
	wallet, err := wallets.NewRepository(deps.Events).Load(context.Background(), id)
	require.NoError(t, err, "load wallet")
	return wallet
}

// isbn13 derives a valid ISBN-13 from a numeric suffix so tests can mint as
// many distinct catalog entries as they need. The check digit is computed,
// not guessed.
func isbn13(n int) string {
	digits := fmt.Sprintf("978030640%03d", n%1000)
	sum := 0
	for i, r := range digits {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return fmt.Sprintf("%s%d", digits, (10-sum%10)%10)
}

// IsBusinessError reports whether err is a domain rejection rather than an
// infrastructure failure. Exhausted concurrency retries are deliberately not
// business errors; tests that expect every operation to land treat them as
// failures.
func IsBusinessError(err error) bool {
	return errors.Is(err, eventsourcing.ErrValidation) ||
		errors.Is(err, eventsourcing.ErrConflict) ||
		errors.Is(err, eventsourcing.ErrNotFound)
}

// sinkBus satisfies messaging.EventBus for write-model tests that run no
// consumers. Published events are counted and dropped.
type sinkBus struct {
	published atomic.Int64
}

var _ messaging.EventBus = (*sinkBus)(nil)

func (b *sinkBus) Init(context.Context) error { return nil }

func (b *sinkBus) BindEventTypes(context.Context, ...string) error { return nil }

func (b *sinkBus) StartConsuming(context.Context) error { return nil }

func (b *sinkBus) Shutdown(context.Context) error { return nil }

func (b *sinkBus) CheckHealth(context.Context) error { return nil }

func (b *sinkBus) Unsubscribe(messaging.Subscription) bool { return false }

func (b *sinkBus) Subscribe(string, messaging.EventHandler) (messaging.Subscription, error) {
	return nil, nil
}

func (b *sinkBus) SubscribeAll(messaging.EventHandler) (messaging.Subscription, error) {
	return nil, nil
}

func (b *sinkBus) Publish(_ context.Context, events ...*domain.Event) error {
	b.published.Add(int64(len(events)))
	return nil
}

// Published returns how many events handlers handed to the bus.
func (b *sinkBus) Published() int64 {
	return b.published.Load()
}

// Metrics aggregates operation counters across load test workers. All fields
// are updated atomically; read them only after the workers have joined.
type Metrics struct {
	TotalOperations int64
	SuccessfulOps   int64
	BusinessErrors  int64
	FailedOps       int64
	TotalLatency    int64
	MinLatency      int64
	MaxLatency      int64
	StartTime       time.Time
}

// NewMetrics returns a tracker ready for RecordOperation.
func NewMetrics() *Metrics {
	return &Metrics{MinLatency: math.MaxInt64, StartTime: time.Now()}
}

// RecordOperation tracks one completed operation. Business rejections count
// as handled outcomes, everything else that errors counts as a failure.
func (m *Metrics) RecordOperation(latency time.Duration, err error) {
	atomic.AddInt64(&m.TotalOperations, 1)
	lat := latency.Nanoseconds()
	atomic.AddInt64(&m.TotalLatency, lat)

	for {
		cur := atomic.LoadInt64(&m.MinLatency)
		if lat >= cur || atomic.CompareAndSwapInt64(&m.MinLatency, cur, lat) {
			break
		}
	}
	for {
		cur := atomic.LoadInt64(&m.MaxLatency)
		if lat <= cur || atomic.CompareAndSwapInt64(&m.MaxLatency, cur, lat) {
			break
		}
	}

	switch {
	case err == nil:
		atomic.AddInt64(&m.SuccessfulOps, 1)
	case IsBusinessError(err):
		atomic.AddInt64(&m.BusinessErrors, 1)
	default:
		atomic.AddInt64(&m.FailedOps, 1)
	}
}

// Report logs a summary of the collected metrics.
func (m *Metrics) Report(t *testing.T, name string) {
	t.Helper()
	total := atomic.LoadInt64(&m.TotalOperations)
	if total == 0 {
		t.Logf("%s: no operations recorded", name)
		return
	}
	duration := time.Since(m.StartTime)
	success := atomic.LoadInt64(&m.SuccessfulOps)
	business := atomic.LoadInt64(&m.BusinessErrors)
	failed := atomic.LoadInt64(&m.FailedOps)
	avg := time.Duration(atomic.LoadInt64(&m.TotalLatency) / total)

	t.Logf("=== %s ===", name)
	t.Logf("Duration: %v", duration.Round(time.Millisecond))
	t.Logf("Operations: %d total, %d succeeded (%.1f%%), %d business rejections, %d failures",
		total, success, float64(success)/float64(total)*100, business, failed)
	t.Logf("Throughput: %.0f ops/sec", float64(total)/duration.Seconds())
	t.Logf("Latency: min=%v avg=%v max=%v",
		time.Duration(atomic.LoadInt64(&m.MinLatency)), avg,
		time.Duration(atomic.LoadInt64(&m.MaxLatency)))
}

// LogResourceUsage logs memory and goroutine counts.
func LogResourceUsage(t *testing.T, label string) {
	t.Helper()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.Logf("%s: alloc=%.1fMB totalAlloc=%.1fMB goroutines=%d",
		label, float64(ms.Alloc)/(1<<20), float64(ms.TotalAlloc)/(1<<20), runtime.NumGoroutine())
}
