package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/libris/pkg/cqrs"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/observability"
	"github.com/plaenen/libris/pkg/security/credentials"
)

const tracerName = "libris.cqrs"

// Server serves registered handlers as endpoints of one NATS microservice.
// All endpoints share the configured queue group, so running multiple
// instances load-balances requests.
type Server struct {
	nc        *nats.Conn
	cfg       *cqrs.ServerConfig
	logger    *slog.Logger
	telemetry *observability.Telemetry

	name        string
	version     string
	description string
	owned       bool

	mu       sync.Mutex
	handlers map[string]cqrs.HandlerFunc
	svc      micro.Service

	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ cqrs.Server = (*Server)(nil)

// ServerConfig configures the NATS request/reply server.
type ServerConfig struct {
	*cqrs.ServerConfig

	// URL is the NATS server URL.
	URL string

	// Name identifies the service in the micro registry.
	Name string

	// Version is the advertised semantic version.
	Version string

	// Description is a human-readable service description.
	Description string

	// CredentialProvider supplies connection auth. Preferred over the
	// inline fields.
	CredentialProvider credentials.Provider

	// Token, User and Pass authenticate the connection when no provider
	// is configured.
	Token string
	User  string
	Pass  string

	// Telemetry enables trace propagation and server spans.
	Telemetry *observability.Telemetry

	// Logger receives connection and handler faults. Nil uses
	// slog.Default.
	Logger *slog.Logger
}

func (c *ServerConfig) normalize() {
	if c.ServerConfig == nil {
		c.ServerConfig = cqrs.DefaultServerConfig()
	}
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "libris"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewServer connects to NATS and returns a server ready for handler
// registration.
func NewServer(ctx context.Context, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = &ServerConfig{}
	}
	config.normalize()

	opts := []nats.Option{nats.Name(config.Name)}
	opts = append(opts, lifecycleOptions(config.Logger, "server")...)
	auth, err := authOptions(ctx, config.CredentialProvider, config.Token, config.User, config.Pass)
	if err != nil {
		return nil, err
	}
	opts = append(opts, auth...)

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, eventsourcing.WrapBusFailure(fmt.Errorf("connect %s: %w", config.URL, err))
	}

	srv := newServer(nc, config)
	srv.owned = true
	return srv, nil
}

// NewServerWithConn wraps an existing connection. The caller keeps
// ownership of the connection and closes it after the server.
func NewServerWithConn(nc *nats.Conn, config *ServerConfig) *Server {
	if config == nil {
		config = &ServerConfig{}
	}
	config.normalize()
	return newServer(nc, config)
}

func newServer(nc *nats.Conn, config *ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		nc:          nc,
		cfg:         config.ServerConfig,
		logger:      config.Logger,
		telemetry:   config.Telemetry,
		name:        config.Name,
		version:     config.Version,
		description: config.Description,
		handlers:    make(map[string]cqrs.HandlerFunc),
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// RegisterHandler binds a handler to a subject.
func (s *Server) RegisterHandler(subject string, handler cqrs.HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.svc != nil {
		return fmt.Errorf("server already started")
	}
	if _, exists := s.handlers[subject]; exists {
		return fmt.Errorf("handler already registered for subject %s", subject)
	}
	s.handlers[subject] = handler
	return nil
}

// Start exposes every registered handler as a microservice endpoint.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.svc != nil {
		return fmt.Errorf("server already started")
	}
	if len(s.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	description := s.description
	if description == "" {
		description = fmt.Sprintf("%s request/reply service", s.name)
	}

	svc, err := micro.AddService(s.nc, micro.Config{
		Name:        s.name,
		Version:     s.version,
		Description: description,
		QueueGroup:  s.cfg.QueueGroup,
	})
	if err != nil {
		return eventsourcing.WrapBusFailure(fmt.Errorf("add service: %w", err))
	}

	for subject, handler := range s.handlers {
		h := handler
		// Endpoint names cannot contain dots.
		name := strings.ReplaceAll(subject, ".", "-")
		err := svc.AddEndpoint(name, micro.HandlerFunc(func(req micro.Request) {
			s.handle(req, h)
		}), micro.WithEndpointSubject(subject))
		if err != nil {
			stopErr := svc.Stop()
			return errors.Join(
				eventsourcing.WrapBusFailure(fmt.Errorf("add endpoint %s: %w", subject, err)),
				stopErr,
			)
		}
	}

	s.svc = svc
	s.logger.Info("request/reply server started",
		"service", s.name, "version", s.version, "endpoints", len(s.handlers))
	return nil
}

func (s *Server) handle(req micro.Request, handler cqrs.HandlerFunc) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.HandlerTimeout)
	defer cancel()

	if mt := req.Headers().Get(cqrs.HeaderMessageType); mt != "" {
		ctx = cqrs.WithMessageType(ctx, mt)
	}
	if cid := req.Headers().Get(cqrs.HeaderCorrelationID); cid != "" {
		ctx = cqrs.WithCorrelationID(ctx, cid)
	}

	var span trace.Span
	if s.telemetry != nil {
		ctx = propagation.TraceContext{}.Extract(ctx, microHeaderCarrier{headers: req.Headers()})
		ctx, span = s.telemetry.Tracer(tracerName).Start(ctx, "handle "+req.Subject(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
	}

	resp, err := handler(ctx, req.Data())
	if err != nil {
		appErr := eventsourcing.AppErrorFrom(err)
		switch appErr.Kind {
		case "Internal", "StorageFailure", "BusFailure":
			// The wire shape hides the underlying fault, so record it
			// here.
			s.logger.Error("handler failed", "subject", req.Subject(), "error", err)
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, appErr.Code)
		}
		resp = eventsourcing.NewErrorResponse(appErr)
	}
	if resp == nil {
		resp = eventsourcing.NewSimpleErrorResponse("EMPTY_RESPONSE", "handler returned no response")
	}

	s.respond(req, resp)
}

func (s *Server) respond(req micro.Request, resp *eventsourcing.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response failed", "subject", req.Subject(), "error", err)
		data = []byte(`{"success":false,"error":{"kind":"Internal","code":"INTERNAL","message":"internal error"}}`)
	}
	if err := req.Respond(data); err != nil {
		s.logger.Error("send response failed", "subject", req.Subject(), "error", err)
	}
}

// Close stops the microservice and, when the server owns it, the
// connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()

	var err error
	if s.svc != nil {
		err = s.svc.Stop()
		s.svc = nil
	}
	if s.owned && s.nc != nil {
		s.nc.Close()
	}
	return err
}

// IsConnected reports whether the underlying connection is up.
func (s *Server) IsConnected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// microHeaderCarrier adapts micro.Headers to propagation.TextMapCarrier.
type microHeaderCarrier struct {
	headers micro.Headers
}

func (c microHeaderCarrier) Get(key string) string {
	return c.headers.Get(key)
}

func (c microHeaderCarrier) Set(key, value string) {
	c.headers[key] = []string{value}
}

func (c microHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
