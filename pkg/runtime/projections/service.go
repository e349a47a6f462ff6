// Package projections adapts the projection manager to the runner
// lifecycle. The service starts after the event bus service: Start builds
// the manager through a setup callback, subscribes every registered
// projection, then begins bus delivery so no event is dropped before the
// subscriptions exist.
package projections

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/libris/pkg/eventsourcing"
	natspkg "github.com/plaenen/libris/pkg/nats"
	"github.com/plaenen/libris/pkg/runner"
)

// BusSource yields the running event bus. Implemented by the eventbus
// runtime service.
type BusSource interface {
	Bus() *natspkg.EventBus
}

// SetupFunc builds and registers the projections once the bus is up.
type SetupFunc func(ctx context.Context, bus *natspkg.EventBus) (*eventsourcing.ProjectionManager, error)

// Service runs projections as a runner.Service.
type Service struct {
	source  BusSource
	setup   SetupFunc
	logger  runner.Logger
	consume bool

	mu      sync.Mutex
	manager *eventsourcing.ProjectionManager
}

var _ runner.HealthChecker = (*Service)(nil)

// Option configures the service.
type Option func(*Service)

// WithLogger sets the lifecycle logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithoutConsuming leaves bus delivery to another component.
func WithoutConsuming() Option {
	return func(s *Service) { s.consume = false }
}

// New creates the service. The manager is built when the runner calls
// Start, after the bus service has started.
func New(source BusSource, setup SetupFunc, opts ...Option) *Service {
	s := &Service{
		source:  source,
		setup:   setup,
		logger:  runner.NewNoopLogger(),
		consume: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service to the runner.
func (s *Service) Name() string {
	return "projections"
}

// Start subscribes every projection and begins event delivery.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager != nil {
		return fmt.Errorf("projections already started")
	}

	bus := s.source.Bus()
	if bus == nil {
		return fmt.Errorf("event bus not started")
	}

	manager, err := s.setup(ctx, bus)
	if err != nil {
		return fmt.Errorf("set up projections: %w", err)
	}
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	if s.consume {
		if err := bus.StartConsuming(ctx); err != nil {
			manager.StopAll()
			return err
		}
	}

	s.manager = manager
	s.logger.Info("projections started", "count", len(manager.Names()))
	return nil
}

// Stop unsubscribes every projection.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager == nil {
		return nil
	}
	s.manager.StopAll()
	s.manager = nil
	return nil
}

// HealthCheck reports whether every registered projection is consuming.
func (s *Service) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()

	if manager == nil {
		return fmt.Errorf("projections not started")
	}
	for _, name := range manager.Names() {
		if !manager.Running(name) {
			return fmt.Errorf("projection %s not running", name)
		}
	}
	return nil
}

// Manager returns the running manager, nil before Start. Used for
// administrative rebuilds.
func (s *Service) Manager() *eventsourcing.ProjectionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}
