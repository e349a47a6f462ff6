package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/messaging"
)

// Projection builds a read model from the event stream.
//
// Implementations are pure over their declared event types: the same ordered
// input produces the same read model, and redelivered events are absorbed by
// version-aware updates. Checkpointing is the projection's own concern so it
// can commit the checkpoint atomically with the row mutation.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// EventTypes returns the event types this projection consumes. An empty
	// slice subscribes the projection to every event on the bus.
	EventTypes() []string

	// Handle applies one event to the read model. Events at or below the
	// projection's checkpoint must be no-ops.
	Handle(ctx context.Context, envelope *domain.EventEnvelope) error

	// Reset drops the read model state so the projection can be rebuilt.
	Reset(ctx context.Context) error
}

// Rebuilder is implemented by projections that can rebuild their read model
// from stored history instead of live deliveries.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// ProjectionManager wires projections to the event bus for real-time
// consumption and coordinates rebuilds.
type ProjectionManager struct {
	bus         messaging.EventBus
	logger      *slog.Logger
	projections map[string]Projection
	running     map[string][]messaging.Subscription
	mu          sync.Mutex
}

// ProjectionManagerOption configures a ProjectionManager.
type ProjectionManagerOption func(*ProjectionManager)

// WithProjectionLogger sets the logger used for lifecycle messages.
func WithProjectionLogger(logger *slog.Logger) ProjectionManagerOption {
	return func(m *ProjectionManager) {
		m.logger = logger
	}
}

// NewProjectionManager creates a manager that subscribes projections to bus.
func NewProjectionManager(bus messaging.EventBus, opts ...ProjectionManagerOption) *ProjectionManager {
	m := &ProjectionManager{
		bus:         bus,
		logger:      slog.Default(),
		projections: make(map[string]Projection),
		running:     make(map[string][]messaging.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "projection_manager")
	return m
}

// Register adds a projection to the manager. Registering two projections
// under one name is a programming error and panics.
func (m *ProjectionManager) Register(projection Projection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := projection.Name()
	if _, exists := m.projections[name]; exists {
		panic(fmt.Sprintf("projection already registered: %s", name))
	}
	m.projections[name] = projection
}

// Start binds the projection's event types and subscribes it to the bus.
func (m *ProjectionManager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	projection, exists := m.projections[name]
	if !exists {
		return fmt.Errorf("projection %s not registered", name)
	}
	if _, running := m.running[name]; running {
		return fmt.Errorf("projection %s already running", name)
	}

	eventTypes := projection.EventTypes()
	if err := m.bus.BindEventTypes(ctx, eventTypes...); err != nil {
		return fmt.Errorf("bind event types for projection %s: %w", name, err)
	}

	handler := func(ctx context.Context, envelope *domain.EventEnvelope) error {
		if err := projection.Handle(ctx, envelope); err != nil {
			return fmt.Errorf("projection %s: %w", name, err)
		}
		return nil
	}

	subs := make([]messaging.Subscription, 0, len(eventTypes))
	subscribe := func() error {
		if len(eventTypes) == 0 {
			sub, err := m.bus.SubscribeAll(handler)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		}
		for _, eventType := range eventTypes {
			sub, err := m.bus.Subscribe(eventType, handler)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	}

	if err := subscribe(); err != nil {
		for _, sub := range subs {
			m.bus.Unsubscribe(sub)
		}
		return fmt.Errorf("subscribe projection %s: %w", name, err)
	}

	m.running[name] = subs
	m.logger.Info("projection started", "projection", name, "event_types", len(eventTypes))
	return nil
}

// StartAll starts every registered projection.
func (m *ProjectionManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.projections))
	for name := range m.projections {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Stop detaches a running projection from the bus.
func (m *ProjectionManager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(name)
}

func (m *ProjectionManager) stopLocked(name string) error {
	subs, running := m.running[name]
	if !running {
		return fmt.Errorf("projection %s not running", name)
	}
	for _, sub := range subs {
		m.bus.Unsubscribe(sub)
	}
	delete(m.running, name)
	m.logger.Info("projection stopped", "projection", name)
	return nil
}

// StopAll detaches every running projection.
func (m *ProjectionManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.running {
		_ = m.stopLocked(name)
	}
}

// Rebuild stops the projection if it is running and rebuilds its read model
// from stored history. Projections that do not implement Rebuilder are only
// reset. The caller restarts the projection once the rebuild completes.
func (m *ProjectionManager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	projection, exists := m.projections[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("projection %s not registered", name)
	}
	if _, running := m.running[name]; running {
		_ = m.stopLocked(name)
	}
	m.mu.Unlock()

	if rebuilder, ok := projection.(Rebuilder); ok {
		if err := rebuilder.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild projection %s: %w", name, err)
		}
		m.logger.Info("projection rebuilt", "projection", name)
		return nil
	}

	if err := projection.Reset(ctx); err != nil {
		return fmt.Errorf("reset projection %s: %w", name, err)
	}
	m.logger.Info("projection reset", "projection", name)
	return nil
}

// Running reports whether a projection is currently consuming from the bus.
func (m *ProjectionManager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.running[name]
	return running
}

// Names returns the registered projection names in stable order.
func (m *ProjectionManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.projections))
	for name := range m.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WrapPostHandle returns a projection that runs fn after every successfully
// handled event. Read models use it to drop query caches only once the row
// mutation has committed; running inside the handler would let a concurrent
// reader re-fill the cache from pre-commit state.
func WrapPostHandle(p Projection, fn func(ctx context.Context, envelope *domain.EventEnvelope)) Projection {
	return &postHandleProjection{Projection: p, after: fn}
}

type postHandleProjection struct {
	Projection
	after func(ctx context.Context, envelope *domain.EventEnvelope)
}

func (p *postHandleProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	if err := p.Projection.Handle(ctx, envelope); err != nil {
		return err
	}
	p.after(ctx, envelope)
	return nil
}

// Rebuild delegates to the wrapped projection when it supports rebuilding.
func (p *postHandleProjection) Rebuild(ctx context.Context) error {
	rebuilder, ok := p.Projection.(Rebuilder)
	if !ok {
		return NewValidationError("REBUILD_UNAVAILABLE",
			fmt.Sprintf("projection %s cannot rebuild", p.Name()))
	}
	return rebuilder.Rebuild(ctx)
}
