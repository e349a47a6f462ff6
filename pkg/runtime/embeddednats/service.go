// Package embeddednats adapts the in-process NATS server to the runner
// lifecycle. The URL is known only after Start, so components dialing the
// broker must start after this service.
package embeddednats

import (
	"context"
	"fmt"
	"sync"

	natspkg "github.com/plaenen/libris/pkg/nats"
	"github.com/plaenen/libris/pkg/runner"
)

// Service runs an embedded NATS server as a runner.Service.
type Service struct {
	logger     runner.Logger
	serverOpts []natspkg.EmbeddedOption

	mu     sync.Mutex
	server *natspkg.EmbeddedServer
}

var _ runner.HealthChecker = (*Service)(nil)

// Option configures the service.
type Option func(*Service)

// WithLogger sets the lifecycle logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithServerOptions passes options through to the embedded server.
func WithServerOptions(opts ...natspkg.EmbeddedOption) Option {
	return func(s *Service) { s.serverOpts = append(s.serverOpts, opts...) }
}

// New creates the service. The server starts when the runner calls Start.
func New(opts ...Option) *Service {
	s := &Service{logger: runner.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service to the runner.
func (s *Service) Name() string {
	return "embedded-nats"
}

// Start boots the embedded server and waits until it accepts connections.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("embedded nats already started")
	}

	server, err := natspkg.StartEmbeddedServer(s.serverOpts...)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	s.server = server
	s.logger.Info("embedded nats started", "url", server.URL())
	return nil
}

// Stop shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	s.server.Shutdown()
	s.server = nil
	s.logger.Info("embedded nats stopped")
	return nil
}

// HealthCheck reports whether the server is running.
func (s *Service) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return fmt.Errorf("embedded nats not started")
	}
	return nil
}

// URL returns the client URL, empty before Start.
func (s *Service) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Server returns the underlying embedded server, nil before Start.
func (s *Service) Server() *natspkg.EmbeddedServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}
