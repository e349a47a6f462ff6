package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/libris/pkg/cqrs"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/observability"
	"github.com/plaenen/libris/pkg/security/credentials"
)

// Transport implements cqrs.Transport over NATS request/reply. Responses
// carrying a concurrency conflict are retried with exponential backoff, so
// callers see conflicts only after the retry budget is spent.
type Transport struct {
	nc        *nats.Conn
	cfg       *cqrs.TransportConfig
	logger    *slog.Logger
	telemetry *observability.Telemetry
	owned     bool
}

var _ cqrs.Transport = (*Transport)(nil)

// TransportConfig configures the NATS client transport.
type TransportConfig struct {
	*cqrs.TransportConfig

	// URL is the NATS server URL.
	URL string

	// Name identifies the client connection.
	Name string

	// CredentialProvider supplies connection auth. Preferred over the
	// inline fields.
	CredentialProvider credentials.Provider

	// Token, User and Pass authenticate the connection when no provider
	// is configured.
	Token string
	User  string
	Pass  string

	// Telemetry enables client spans and trace propagation.
	Telemetry *observability.Telemetry

	// Logger receives connection faults. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *TransportConfig) normalize() {
	if c.TransportConfig == nil {
		c.TransportConfig = cqrs.DefaultTransportConfig()
	}
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "libris-client"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewTransport connects to NATS and returns a client transport.
func NewTransport(ctx context.Context, config *TransportConfig) (*Transport, error) {
	if config == nil {
		config = &TransportConfig{}
	}
	config.normalize()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnectAttempts),
		nats.ReconnectWait(config.ReconnectWait),
	}
	opts = append(opts, lifecycleOptions(config.Logger, "client")...)
	auth, err := authOptions(ctx, config.CredentialProvider, config.Token, config.User, config.Pass)
	if err != nil {
		return nil, err
	}
	opts = append(opts, auth...)

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, eventsourcing.WrapBusFailure(fmt.Errorf("connect %s: %w", config.URL, err))
	}

	tr := newTransport(nc, config)
	tr.owned = true
	return tr, nil
}

// NewTransportWithConn wraps an existing connection. The caller keeps
// ownership of the connection and closes it after the transport.
func NewTransportWithConn(nc *nats.Conn, config *TransportConfig) *Transport {
	if config == nil {
		config = &TransportConfig{}
	}
	config.normalize()
	return newTransport(nc, config)
}

func newTransport(nc *nats.Conn, config *TransportConfig) *Transport {
	return &Transport{
		nc:        nc,
		cfg:       config.TransportConfig,
		logger:    config.Logger,
		telemetry: config.Telemetry,
	}
}

// Request sends request to subject and waits for the Response envelope.
func (t *Transport) Request(ctx context.Context, subject string, request any) (resp *eventsourcing.Response, err error) {
	if t.telemetry != nil {
		var span trace.Span
		ctx, span = t.telemetry.Tracer(tracerName).Start(ctx, "request "+subject,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("messaging.subject", subject)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if resp.Error != nil {
				span.SetAttributes(attribute.String("error.code", resp.Error.Code))
			}
			span.End()
		}()
	}
	return t.requestWithRetry(ctx, subject, request)
}

func (t *Transport) requestWithRetry(ctx context.Context, subject string, request any) (*eventsourcing.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := t.request(ctx, subject, request)
		if err != nil {
			return nil, err
		}
		if resp.Error == nil || !resp.Error.Retryable() || attempt == t.cfg.MaxRetries {
			return resp, nil
		}

		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		t.logger.Debug("retrying after conflict",
			"subject", subject, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Transport) request(ctx context.Context, subject string, request any) (*eventsourcing.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = body
	if mt := messageType(request); mt != "" {
		msg.Header.Set(cqrs.HeaderMessageType, mt)
	}
	if cid := cqrs.CorrelationIDFromContext(ctx); cid != "" {
		msg.Header.Set(cqrs.HeaderCorrelationID, cid)
	}
	if t.telemetry != nil {
		propagation.TraceContext{}.Inject(ctx, headerCarrier{header: msg.Header})
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	reply, err := t.nc.RequestMsgWithContext(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return eventsourcing.NewSimpleErrorResponse("TIMEOUT", "request timed out"), nil
	case errors.Is(err, nats.ErrNoResponders):
		return eventsourcing.NewSimpleErrorResponse("NO_RESPONDERS",
			fmt.Sprintf("no service listening on %s", subject)), nil
	default:
		return nil, eventsourcing.WrapBusFailure(fmt.Errorf("request %s: %w", subject, err))
	}

	var resp eventsourcing.Response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// messageType names the request payload for the Message-Type header.
func messageType(request any) string {
	rt := reflect.TypeOf(request)
	if rt == nil {
		return ""
	}
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	return rt.Name()
}

// Close closes the connection when the transport owns it.
func (t *Transport) Close() error {
	if t.owned && t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (t *Transport) IsConnected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// ConnectedURL returns the URL of the connected server.
func (t *Transport) ConnectedURL() string {
	if t.nc == nil {
		return ""
	}
	return t.nc.ConnectedUrl()
}

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c headerCarrier) Get(key string) string {
	return c.header.Get(key)
}

func (c headerCarrier) Set(key, value string) {
	c.header.Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}
