// Package eventbus adapts the JetStream event bus to the runner lifecycle.
// When the configured URL is empty the service boots an embedded broker
// first and points the bus at it, so a single binary needs no external
// NATS.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	natspkg "github.com/plaenen/libris/pkg/nats"
	"github.com/plaenen/libris/pkg/runner"
	"github.com/plaenen/libris/pkg/runtime/embeddednats"
)

// Service runs the event bus as a runner.Service. Start initializes the
// connection, stream and durable consumer; delivery begins when a consumer
// of Bus() calls StartConsuming, normally the projections service.
type Service struct {
	cfg          natspkg.Config
	logger       runner.Logger
	embeddedOpts []embeddednats.Option

	mu       sync.Mutex
	embedded *embeddednats.Service
	bus      *natspkg.EventBus
}

var _ runner.HealthChecker = (*Service)(nil)

// Option configures the service.
type Option func(*Service)

// WithConfig sets the bus configuration. An empty URL selects the embedded
// broker.
func WithConfig(cfg natspkg.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithEmbeddedOptions configures the embedded broker used when the URL is
// empty.
func WithEmbeddedOptions(opts ...embeddednats.Option) Option {
	return func(s *Service) { s.embeddedOpts = append(s.embeddedOpts, opts...) }
}

// New creates the service. The bus connects when the runner calls Start.
func New(opts ...Option) *Service {
	s := &Service{logger: runner.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service to the runner.
func (s *Service) Name() string {
	return "event-bus"
}

// Start boots the embedded broker when needed, then connects and ensures
// the stream and consumer exist.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bus != nil {
		return fmt.Errorf("event bus already started")
	}

	cfg := s.cfg
	if cfg.URL == "" {
		embedded := embeddednats.New(append([]embeddednats.Option{
			embeddednats.WithLogger(s.logger),
		}, s.embeddedOpts...)...)
		if err := embedded.Start(ctx); err != nil {
			return err
		}
		s.embedded = embedded
		cfg.URL = embedded.URL()
	}

	bus := natspkg.NewEventBus(cfg)
	if err := bus.Init(ctx); err != nil {
		return errors.Join(fmt.Errorf("init event bus: %w", err), s.stopEmbeddedLocked(ctx))
	}

	s.bus = bus
	return nil
}

// Stop shuts the bus down, then the embedded broker when one was started.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.bus != nil {
		if err := s.bus.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown event bus: %w", err))
		}
		s.bus = nil
	}
	if err := s.stopEmbeddedLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) stopEmbeddedLocked(ctx context.Context) error {
	if s.embedded == nil {
		return nil
	}
	err := s.embedded.Stop(ctx)
	s.embedded = nil
	return err
}

// HealthCheck reports whether the bus can reach the broker.
func (s *Service) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()

	if bus == nil {
		return fmt.Errorf("event bus not started")
	}
	return bus.CheckHealth(ctx)
}

// Bus returns the running bus, nil before Start.
func (s *Service) Bus() *natspkg.EventBus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// URL returns the broker URL the bus connected to, empty before Start.
func (s *Service) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.embedded != nil {
		return s.embedded.URL()
	}
	if s.bus != nil {
		return s.cfg.URL
	}
	return ""
}
