// librisd runs the whole library backend in one process: the SQLite event
// store, the JetStream event bus (embedded when no external broker is
// configured), every projection and workflow reactor, and the request/reply
// endpoints the sdk client talks to.
//
// Configuration comes from the environment; see pkg/config for the keys.
// With none set the daemon is fully self-contained: events.db on disk, an
// embedded broker on an ephemeral port, and the in-memory cache.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	bookhandlers "github.com/plaenen/libris/pkg/books/handlers"
	bookprojections "github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	cqrsnats "github.com/plaenen/libris/pkg/cqrs/nats"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/middleware"
	natspkg "github.com/plaenen/libris/pkg/nats"
	"github.com/plaenen/libris/pkg/observability"
	reservationhandlers "github.com/plaenen/libris/pkg/reservations/handlers"
	reservationprojections "github.com/plaenen/libris/pkg/reservations/projections"
	"github.com/plaenen/libris/pkg/runner"
	"github.com/plaenen/libris/pkg/runtime/eventbus"
	"github.com/plaenen/libris/pkg/runtime/projections"
	"github.com/plaenen/libris/pkg/runtime/rpcserver"
	"github.com/plaenen/libris/pkg/security/credentials"
	"github.com/plaenen/libris/pkg/sqlite"
	wallethandlers "github.com/plaenen/libris/pkg/wallets/handlers"
	walletprojections "github.com/plaenen/libris/pkg/wallets/projections"
)

const version = "1.0.0"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("librisd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	events, err := sqlite.NewEventStore(
		sqlite.WithDSN(cfg.SQLiteDSN),
		sqlite.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer events.Close()

	// Telemetry lands in the event store database, so a single file holds
	// the whole deployment: events, read models, spans and metric points.
	tel, err := newTelemetry(ctx, cfg, events, logger)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	provider, err := credentials.Open(ctx, cfg.CredentialsURL, cfg.CredentialsFile)
	if err != nil {
		return err
	}
	if provider != nil {
		defer provider.Close()
	}

	var store cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL, cfg.CacheDefaultTTL, logger)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		store = redisCache
	} else {
		store = cache.NewMemory(cfg.CacheDefaultTTL)
	}
	store = observability.NewInstrumentedCache(store, tel.Metrics, "queries")

	commands := eventsourcing.NewCommandBus()
	commands.Use(middleware.RecoveryMiddleware(logger))
	commands.Use(middleware.LoggingMiddleware(logger))
	commands.Use(middleware.MetricsMiddleware(tel.Metrics))
	commands.Use(middleware.TracingMiddleware("libris.commands"))
	commands.Use(middleware.MetadataValidationMiddleware())
	commands.Use(middleware.ValidationMiddleware(middleware.SelfValidator{}))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		events:   events,
		cache:    store,
		commands: commands,
	}

	busCfg := natspkg.DefaultConfig()
	busCfg.URL = cfg.NATSURL
	busCfg.Name = cfg.ServiceName
	busCfg.ServiceName = cfg.ServiceName
	busCfg.Logger = logger
	if provider != nil && cfg.NATSURL != "" {
		creds, err := provider.GetCredentials(ctx)
		if err != nil {
			return err
		}
		busCfg.Token = creds.Token
		busCfg.User = creds.User
		busCfg.Pass = creds.Password
	}

	serverCfg := &cqrsnats.ServerConfig{
		Name:        cfg.ServiceName,
		Version:     version,
		Description: "library catalog, wallets and reservations",
		Telemetry:   tel,
		Logger:      logger,
	}
	if cfg.NATSURL != "" {
		serverCfg.CredentialProvider = provider
	}

	runLogger := runner.NewSlogLogger(logger)
	busSvc := eventbus.New(
		eventbus.WithConfig(busCfg),
		eventbus.WithLogger(runLogger),
	)
	projSvc := projections.New(busSvc, a.setupProjections,
		projections.WithLogger(runLogger))
	rpcSvc := rpcserver.New(busSvc, serverCfg, a.registerEndpoints,
		rpcserver.WithLogger(runLogger))

	logger.Info("librisd starting",
		"service", cfg.ServiceName,
		"version", version,
		"store", cfg.SQLiteDSN,
		"broker", brokerLabel(cfg.NATSURL),
		"cache", cacheLabel(cfg.RedisURL))

	r := runner.New(
		[]runner.Service{busSvc, projSvc, rpcSvc},
		runner.WithLogger(runLogger),
	)
	return r.Run(ctx)
}

// app carries the state shared by the service setup callbacks. The runner
// starts services in order, so setupProjections has populated the query
// handlers by the time registerEndpoints runs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	events   *sqlite.EventStore
	cache    cache.Cache
	commands eventsourcing.CommandBus

	bookQueries        *bookhandlers.QueryHandler
	walletQueries      *wallethandlers.QueryHandler
	reservationQueries *reservationhandlers.QueryHandler
}

// setupProjections builds the read models and workflow reactors against the
// live bus and registers the command handlers. Everything shares the event
// store's database.
func (a *app) setupProjections(ctx context.Context, bus *natspkg.EventBus) (*eventsourcing.ProjectionManager, error) {
	db := a.events.DB()

	bookViews, err := bookprojections.NewBookViews(db)
	if err != nil {
		return nil, err
	}
	walletViews, err := walletprojections.NewWalletViews(db)
	if err != nil {
		return nil, err
	}
	reservationViews, err := reservationprojections.NewReservationViews(db)
	if err != nil {
		return nil, err
	}

	bookhandlers.NewCommandHandler(a.events, bookViews, bus, a.cfg,
		bookhandlers.WithLogger(a.logger)).Register(a.commands)
	wallethandlers.NewCommandHandler(a.events, bus, a.cfg,
		wallethandlers.WithLogger(a.logger)).Register(a.commands)
	reservationhandlers.NewCommandHandler(a.events, bus, a.cfg,
		reservationhandlers.WithLogger(a.logger)).Register(a.commands)

	a.bookQueries = bookhandlers.NewQueryHandler(bookViews, a.cache, a.cfg)
	a.walletQueries = wallethandlers.NewQueryHandler(walletViews, a.cache, a.cfg)
	a.reservationQueries = reservationhandlers.NewQueryHandler(reservationViews, a.cache, a.cfg)

	manager := eventsourcing.NewProjectionManager(bus,
		eventsourcing.WithProjectionLogger(a.logger))

	bookProjection, err := bookprojections.NewProjection(ctx, db, bookViews, a.events, a.cache, a.logger)
	if err != nil {
		return nil, err
	}
	walletProjection, err := walletprojections.NewProjection(ctx, db, walletViews, a.events, a.cache, a.logger)
	if err != nil {
		return nil, err
	}
	reservationProjection, err := reservationprojections.NewProjection(ctx, db, reservationViews, a.events, a.cache, a.logger)
	if err != nil {
		return nil, err
	}
	manager.Register(bookProjection)
	manager.Register(walletProjection)
	manager.Register(reservationProjection)

	// Reactors drive the reservation workflow over transient events.
	manager.Register(bookhandlers.NewValidationProjection(bookViews, bus, a.logger))
	manager.Register(wallethandlers.NewPaymentsProjection(a.events, bus, a.cfg, a.logger))
	manager.Register(wallethandlers.NewLateFeesProjection(a.events, bus, a.cfg, a.logger))
	manager.Register(reservationhandlers.NewSagaProjection(a.events, reservationViews, bus, a.cfg, a.logger))

	return manager, nil
}

// registerEndpoints exposes the three context surfaces on the request/reply
// server.
func (a *app) registerEndpoints(srv *cqrsnats.Server) error {
	return errors.Join(
		bookhandlers.RegisterEndpoints(srv, a.commands, a.bookQueries),
		wallethandlers.RegisterEndpoints(srv, a.commands, a.walletQueries),
		reservationhandlers.RegisterEndpoints(srv, a.commands, a.reservationQueries),
	)
}

// newTelemetry wires tracing and metrics into the store database via the
// SQLite exporters.
func newTelemetry(ctx context.Context, cfg config.Config, events *sqlite.EventStore, logger *slog.Logger) (*observability.Telemetry, error) {
	spanExporter, err := observability.NewSQLiteSpanExporter(events.DB(),
		observability.WithExporterLogger(logger))
	if err != nil {
		return nil, err
	}
	metricExporter, err := observability.NewSQLiteMetricExporter(events.DB(),
		observability.WithExporterLogger(logger))
	if err != nil {
		return nil, err
	}

	return observability.Init(ctx, observability.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  version,
		TraceExporter:   spanExporter,
		TraceSampleRate: 1.0,
		MetricReader:    sdkmetric.NewPeriodicReader(metricExporter),
		Logger:          logger,
	})
}

func brokerLabel(url string) string {
	if url == "" {
		return "embedded"
	}
	return url
}

func cacheLabel(url string) string {
	if url == "" {
		return "memory"
	}
	return url
}
