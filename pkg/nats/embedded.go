package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs a NATS server with JetStream inside the process. The
// daemon uses it when no broker URL is configured; tests use it to avoid
// external dependencies.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	shutdownOnce sync.Once
}

// EmbeddedOption configures the embedded server.
type EmbeddedOption func(*embeddedConfig)

type embeddedConfig struct {
	host         string
	port         int
	storeDir     string
	readyTimeout time.Duration
	logger       *slog.Logger
}

// WithHost sets the listen host. Defaults to 127.0.0.1.
func WithHost(host string) EmbeddedOption {
	return func(c *embeddedConfig) { c.host = host }
}

// WithPort sets the listen port. Defaults to a random free port.
func WithPort(port int) EmbeddedOption {
	return func(c *embeddedConfig) { c.port = port }
}

// WithStoreDir sets the JetStream storage directory. Defaults to a
// temporary directory, which does not survive restarts.
func WithStoreDir(dir string) EmbeddedOption {
	return func(c *embeddedConfig) { c.storeDir = dir }
}

// WithReadyTimeout bounds the wait for the server to accept connections.
func WithReadyTimeout(d time.Duration) EmbeddedOption {
	return func(c *embeddedConfig) { c.readyTimeout = d }
}

// WithServerLogger sets the logger for server lifecycle messages.
func WithServerLogger(logger *slog.Logger) EmbeddedOption {
	return func(c *embeddedConfig) { c.logger = logger }
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled
// and waits until it accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	cfg := &embeddedConfig{
		host:         "127.0.0.1",
		port:         -1,
		readyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s, err := server.NewServer(&server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after %s", cfg.readyTimeout)
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		logger: cfg.logger.With("component", "embedded_nats"),
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits for it to finish, bounded to five
// seconds. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("embedded server shutdown timed out")
		}
	})
}

// ConnectToEmbedded opens a plain client connection to the embedded server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
