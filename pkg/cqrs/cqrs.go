// Package cqrs defines the request/reply contract between clients and the
// command/query endpoints. Requests and responses travel as JSON; the
// Response envelope carries either the operation result or a typed
// application error. Implementations live in subpackages, one per
// transport.
package cqrs

import (
	"context"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
)

// Wire headers shared by all transports.
const (
	// HeaderMessageType names the request payload type, for diagnostics
	// and server-side dispatch checks.
	HeaderMessageType = "Message-Type"

	// HeaderCorrelationID carries the caller's correlation identifier so
	// server-side envelopes join the same trace.
	HeaderCorrelationID = "Correlation-Id"
)

// Transport sends requests and waits for replies.
type Transport interface {
	// Request sends request to subject and waits for the Response
	// envelope. The request is serialized as JSON. A non-nil Response
	// with a populated Error reports an application failure; a non-nil
	// error reports a transport failure.
	Request(ctx context.Context, subject string, request any) (*eventsourcing.Response, error)

	// Close releases the underlying connection.
	Close() error
}

// TransportConfig holds transport tuning shared by implementations.
type TransportConfig struct {
	// Timeout bounds a single request/reply exchange when the context
	// carries no deadline.
	Timeout time.Duration

	// MaxReconnectAttempts bounds connection retries.
	MaxReconnectAttempts int

	// ReconnectWait is the pause between reconnection attempts.
	ReconnectWait time.Duration

	// MaxRetries is the number of times a request is retried after a
	// concurrency conflict. Zero disables retries.
	MaxRetries int
}

// DefaultTransportConfig returns the transport defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Timeout:              30 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectWait:        2 * time.Second,
		MaxRetries:           3,
	}
}

// HandlerFunc processes one raw request body and returns the Response
// envelope. Implementations decode the body themselves; the subject the
// handler was registered under determines the expected shape.
type HandlerFunc func(ctx context.Context, data []byte) (*eventsourcing.Response, error)

// Server listens for requests and dispatches them to registered handlers.
type Server interface {
	// RegisterHandler binds a handler to a subject. Registration after
	// Start is an error.
	RegisterHandler(subject string, handler HandlerFunc) error

	// Start begins serving registered subjects.
	Start(ctx context.Context) error

	// Close stops serving and releases the connection.
	Close() error
}

// ServerConfig holds server tuning shared by implementations.
type ServerConfig struct {
	// QueueGroup load-balances subjects across server instances.
	QueueGroup string

	// HandlerTimeout bounds a single handler execution.
	HandlerTimeout time.Duration
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		QueueGroup:     "libris-handlers",
		HandlerTimeout: 30 * time.Second,
	}
}

type messageTypeKey struct{}

type correlationIDKey struct{}

// WithMessageType records the request payload type name in the context.
func WithMessageType(ctx context.Context, messageType string) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, messageType)
}

// MessageTypeFromContext returns the request payload type name, if any.
func MessageTypeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(messageTypeKey{}).(string)
	return s
}

// WithCorrelationID records the caller's correlation identifier in the
// context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the caller's correlation identifier, if
// any.
func CorrelationIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(correlationIDKey{}).(string)
	return s
}
