// Package rpcserver adapts the request/reply server to the runner
// lifecycle. The service starts after the event bus service so it can dial
// the same broker, including the ephemeral port of an embedded one.
package rpcserver

import (
	"context"
	"fmt"
	"sync"

	cqrsnats "github.com/plaenen/libris/pkg/cqrs/nats"
	"github.com/plaenen/libris/pkg/runner"
)

// URLSource yields the broker address once it is known. Implemented by the
// eventbus runtime service.
type URLSource interface {
	URL() string
}

// SetupFunc registers the endpoint handlers on the server before it starts
// serving.
type SetupFunc func(srv *cqrsnats.Server) error

// Service runs the request/reply server as a runner.Service.
type Service struct {
	source URLSource
	config *cqrsnats.ServerConfig
	setup  SetupFunc
	logger runner.Logger

	mu  sync.Mutex
	srv *cqrsnats.Server
}

var _ runner.HealthChecker = (*Service)(nil)

// Option configures the service.
type Option func(*Service)

// WithLogger sets the lifecycle logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates the service. The server connects when the runner calls Start.
// A nil source serves on the URL already present in the config.
func New(source URLSource, config *cqrsnats.ServerConfig, setup SetupFunc, opts ...Option) *Service {
	if config == nil {
		config = &cqrsnats.ServerConfig{}
	}
	s := &Service{
		source: source,
		config: config,
		setup:  setup,
		logger: runner.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service to the runner.
func (s *Service) Name() string {
	return "rpc-server"
}

// Start connects, registers the endpoints and begins serving.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("rpc server already started")
	}

	config := *s.config
	if s.source != nil {
		url := s.source.URL()
		if url == "" {
			return fmt.Errorf("event bus not started")
		}
		config.URL = url
	}

	srv, err := cqrsnats.NewServer(ctx, &config)
	if err != nil {
		return fmt.Errorf("connect rpc server: %w", err)
	}
	if err := s.setup(srv); err != nil {
		closeErr := srv.Close()
		if closeErr != nil {
			s.logger.Error("close rpc server", "error", closeErr)
		}
		return fmt.Errorf("register endpoints: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		closeErr := srv.Close()
		if closeErr != nil {
			s.logger.Error("close rpc server", "error", closeErr)
		}
		return err
	}

	s.srv = srv
	s.logger.Info("rpc server started", "url", config.URL)
	return nil
}

// Stop closes the server and its connection.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	err := s.srv.Close()
	s.srv = nil
	return err
}

// HealthCheck reports whether the server connection is up.
func (s *Service) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("rpc server not started")
	}
	if !srv.IsConnected() {
		return fmt.Errorf("rpc server disconnected")
	}
	return nil
}

// Server returns the running server, nil before Start.
func (s *Service) Server() *cqrsnats.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv
}
