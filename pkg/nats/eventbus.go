// Package nats implements the messaging.EventBus port on NATS JetStream.
//
// Every event goes to one stream as a JSON record on `events.<eventType>`.
// Each service owns a single durable queue consumer covering the whole
// stream; handlers are dispatched in-process by event type. The durable is
// declared during Init, so events published before StartConsuming are
// retained rather than dropped.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/idgen"
	"github.com/plaenen/libris/pkg/messaging"
)

// Config holds configuration for the JetStream event bus.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies the client connection.
	Name string

	// ServiceName names the durable queue. Services with the same name
	// compete for deliveries; services with different names each receive
	// every event.
	ServiceName string

	// StreamName is the JetStream stream holding all events.
	StreamName string

	// StreamSubjects are the subjects captured by the stream.
	StreamSubjects []string

	// MaxAge is how long the stream retains events.
	MaxAge time.Duration

	// MaxBytes caps the stream size.
	MaxBytes int64

	// AckWait is the visibility timeout before the broker redelivers an
	// unacknowledged event.
	AckWait time.Duration

	// MaxAckPending bounds in-flight deliveries per service. Zero means
	// the CPU count.
	MaxAckPending int

	// MaxDeliver bounds redeliveries of one event.
	MaxDeliver int

	// Token, User and Pass authenticate the connection when set.
	Token string
	User  string
	Pass  string

	// Logger receives bus lifecycle and delivery logs.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a single-node deployment.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "libris",
		ServiceName:    "libris",
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024,
		AckWait:        30 * time.Second,
		MaxAckPending:  runtime.NumCPU(),
		MaxDeliver:     5,
	}
}

// EventBus is the JetStream implementation of messaging.EventBus.
type EventBus struct {
	cfg     Config
	durable string
	logger  *slog.Logger

	mu         sync.RWMutex
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	consumeCtx context.Context
	closed     chan struct{}
	handlers   map[string][]*busSubscription
	catchAll   []*busSubscription
	bound      map[string]struct{}
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus builds a bus from the config. Nothing connects until Init.
func NewEventBus(config Config) *EventBus {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if len(config.StreamSubjects) == 0 {
		config.StreamSubjects = defaults.StreamSubjects
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaults.MaxAge
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = defaults.MaxBytes
	}
	if config.AckWait <= 0 {
		config.AckWait = defaults.AckWait
	}
	if config.MaxAckPending <= 0 {
		config.MaxAckPending = defaults.MaxAckPending
	}
	if config.MaxDeliver <= 0 {
		config.MaxDeliver = defaults.MaxDeliver
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &EventBus{
		cfg:      config,
		durable:  sanitizeConsumerName(config.ServiceName),
		logger:   config.Logger.With("component", "nats_eventbus", "service", config.ServiceName),
		handlers: make(map[string][]*busSubscription),
		bound:    make(map[string]struct{}),
	}
}

// Init connects, ensures the stream and declares the durable consumer.
// Calling Init on an initialized bus is a no-op.
func (b *EventBus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil {
		return nil
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("disconnected from broker", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	}
	if b.cfg.Token != "" {
		opts = append(opts, nats.Token(b.cfg.Token))
	} else if b.cfg.User != "" {
		opts = append(opts, nats.UserInfo(b.cfg.User, b.cfg.Pass))
	}

	nc, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		return eventsourcing.WrapBusFailure(fmt.Errorf("connect %s: %w", b.cfg.URL, err))
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return eventsourcing.WrapBusFailure(err)
	}

	if err := b.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}
	if err := b.ensureConsumer(ctx, js); err != nil {
		nc.Close()
		return err
	}

	b.nc = nc
	b.js = js
	b.closed = closed
	b.logger.Info("event bus initialized", "url", b.cfg.URL, "stream", b.cfg.StreamName, "durable", b.durable)
	return nil
}

func (b *EventBus) ensureStream(ctx context.Context, js nats.JetStreamContext) error {
	streamConfig := &nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  b.cfg.StreamSubjects,
		Retention: nats.InterestPolicy,
		MaxAge:    b.cfg.MaxAge,
		MaxBytes:  b.cfg.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := js.StreamInfo(b.cfg.StreamName, nats.Context(ctx))
	if err != nil {
		if _, err := js.AddStream(streamConfig, nats.Context(ctx)); err != nil {
			return eventsourcing.WrapBusFailure(fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err))
		}
		return nil
	}

	if info.Config.MaxAge != b.cfg.MaxAge || info.Config.MaxBytes != b.cfg.MaxBytes {
		if _, err := js.UpdateStream(streamConfig, nats.Context(ctx)); err != nil {
			return eventsourcing.WrapBusFailure(fmt.Errorf("update stream %s: %w", b.cfg.StreamName, err))
		}
	}
	return nil
}

// ensureConsumer declares the durable push consumer. The stream uses
// interest retention, so the durable must exist before publishers run or
// their events would not be kept for this service.
func (b *EventBus) ensureConsumer(ctx context.Context, js nats.JetStreamContext) error {
	_, err := js.ConsumerInfo(b.cfg.StreamName, b.durable, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return eventsourcing.WrapBusFailure(err)
	}

	_, err = js.AddConsumer(b.cfg.StreamName, &nats.ConsumerConfig{
		Durable:        b.durable,
		DeliverSubject: "deliver.events." + b.durable,
		DeliverGroup:   b.durable,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        b.cfg.AckWait,
		MaxAckPending:  b.cfg.MaxAckPending,
		MaxDeliver:     b.cfg.MaxDeliver,
		FilterSubject:  b.cfg.StreamSubjects[0],
		DeliverPolicy:  nats.DeliverAllPolicy,
	}, nats.Context(ctx))
	if err != nil {
		return eventsourcing.WrapBusFailure(fmt.Errorf("create consumer %s: %w", b.durable, err))
	}
	return nil
}

// BindEventTypes declares the event types this service dispatches. Binding
// is dispatch bookkeeping; retention is covered by the durable consumer
// declared in Init.
func (b *EventBus) BindEventTypes(_ context.Context, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eventType := range eventTypes {
		if eventType == "" {
			return eventsourcing.NewValidationError("EMPTY_EVENT_TYPE", "event type must not be empty")
		}
		b.bound[eventType] = struct{}{}
	}
	return nil
}

// Subscribe attaches a handler for one event type.
func (b *EventBus) Subscribe(eventType string, handler messaging.EventHandler) (messaging.Subscription, error) {
	if eventType == "" {
		return nil, eventsourcing.NewValidationError("EMPTY_EVENT_TYPE", "event type must not be empty")
	}
	if handler == nil {
		return nil, eventsourcing.NewValidationError("NIL_HANDLER", "handler must not be nil")
	}

	sub := &busSubscription{bus: b, eventType: eventType, handler: handler}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.bound[eventType] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// SubscribeAll attaches a handler for every event type on the stream.
func (b *EventBus) SubscribeAll(handler messaging.EventHandler) (messaging.Subscription, error) {
	if handler == nil {
		return nil, eventsourcing.NewValidationError("NIL_HANDLER", "handler must not be nil")
	}

	sub := &busSubscription{bus: b, handler: handler}
	b.mu.Lock()
	b.catchAll = append(b.catchAll, sub)
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches a subscription and reports whether it was active.
func (b *EventBus) Unsubscribe(sub messaging.Subscription) bool {
	s, ok := sub.(*busSubscription)
	if !ok || s == nil || s.bus != b {
		return false
	}
	return b.remove(s)
}

func (b *EventBus) remove(s *busSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.eventType == "" {
		for i, existing := range b.catchAll {
			if existing == s {
				b.catchAll = append(b.catchAll[:i], b.catchAll[i+1:]...)
				return true
			}
		}
		return false
	}

	subs := b.handlers[s.eventType]
	for i, existing := range subs {
		if existing == s {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.handlers, s.eventType)
			} else {
				b.handlers[s.eventType] = subs
			}
			return true
		}
	}
	return false
}

// Publish sends events to the stream, one broker-confirmed message per
// event, routed by event type and deduplicated on the event id.
func (b *EventBus) Publish(ctx context.Context, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()
	if js == nil {
		return eventsourcing.WrapBusFailure(errors.New("event bus not initialized"))
	}

	for _, event := range events {
		if event.EventType == "" {
			return eventsourcing.NewValidationError("EMPTY_EVENT_TYPE", "event type must not be empty")
		}
		if event.ID == "" {
			return eventsourcing.NewValidationError("EMPTY_EVENT_ID", "event id must not be empty")
		}

		data, err := json.Marshal(event)
		if err != nil {
			return eventsourcing.WrapBusFailure(fmt.Errorf("marshal event %s: %w", event.ID, err))
		}
		subject := "events." + event.EventType
		if _, err := js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
			return eventsourcing.WrapBusFailure(fmt.Errorf("publish event %s: %w", event.ID, err))
		}
	}
	return nil
}

// StartConsuming binds to the durable consumer and begins dispatching
// deliveries to subscribed handlers.
func (b *EventBus) StartConsuming(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.js == nil {
		return eventsourcing.WrapBusFailure(errors.New("event bus not initialized"))
	}
	if b.sub != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.consumeCtx = ctx

	sub, err := b.js.QueueSubscribe(
		b.cfg.StreamSubjects[0],
		b.durable,
		b.dispatch,
		nats.Bind(b.cfg.StreamName, b.durable),
		nats.ManualAck(),
	)
	if err != nil {
		return eventsourcing.WrapBusFailure(fmt.Errorf("bind consumer %s: %w", b.durable, err))
	}

	b.sub = sub
	b.logger.Info("consuming events", "stream", b.cfg.StreamName, "durable", b.durable)
	return nil
}

// dispatch routes one delivery through the registered handlers.
//
// Acknowledgement rules: malformed records are terminated, unregistered or
// unhandled types are acknowledged and skipped, handler success is
// acknowledged, and handler failure fans out a `<Type>Failed` event before
// acknowledging the original so it cannot poison the queue. The original is
// redelivered only when the failure fan-out itself cannot be published.
func (b *EventBus) dispatch(msg *nats.Msg) {
	var event domain.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("dropping malformed event record", "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}

	envelope, err := domain.Envelope(&event)
	if err != nil {
		b.logger.Debug("skipping unregistered event type", "eventType", event.EventType)
		_ = msg.Ack()
		return
	}

	subs := b.subscriptionsFor(event.EventType)
	if len(subs) == 0 {
		if b.isBound(event.EventType) {
			b.logger.Debug("bound event type has no handler", "eventType", event.EventType)
		}
		_ = msg.Ack()
		return
	}

	ctx := b.consumerContext()
	var failure error
	for _, s := range subs {
		if err := s.handler(ctx, envelope); err != nil {
			b.logger.Error("event handler failed",
				"eventType", event.EventType,
				"eventId", event.ID,
				"aggregateId", event.AggregateID,
				"error", err)
			if failure == nil {
				failure = err
			}
		}
	}

	if failure != nil {
		if err := b.publishFailure(ctx, &event, failure); err != nil {
			b.logger.Error("failure fan-out not published, redelivering",
				"eventType", event.EventType, "eventId", event.ID, "error", err)
			_ = msg.Nak()
			return
		}
	}
	_ = msg.Ack()
}

// publishFailure synthesizes the `<Type>Failed` companion event: the
// original payload plus code and message, transient, caused by the original
// event. Failure events that themselves fail are not fanned out again.
func (b *EventBus) publishFailure(ctx context.Context, event *domain.Event, handlerErr error) error {
	if strings.HasSuffix(event.EventType, "Failed") {
		return nil
	}

	payload := map[string]any{}
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			payload = map[string]any{}
		}
	}
	code := "INTERNAL"
	var domainErr *eventsourcing.DomainError
	if errors.As(handlerErr, &domainErr) {
		code = domainErr.Code
	}
	payload["code"] = code
	payload["message"] = handlerErr.Error()

	data, err := json.Marshal(payload)
	if err != nil {
		return eventsourcing.WrapBusFailure(err)
	}

	return b.Publish(ctx, &domain.Event{
		ID:            idgen.MustGenerateSortableID(),
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType + "Failed",
		Version:       0,
		SchemaVersion: 1,
		Timestamp:     domain.Now(),
		Data:          data,
		Metadata: domain.EventMetadata{
			CorrelationID: event.Metadata.CorrelationID,
			CausationID:   event.ID,
		},
	})
}

// CheckHealth reports whether the broker is reachable.
func (b *EventBus) CheckHealth(ctx context.Context) error {
	b.mu.RLock()
	nc := b.nc
	b.mu.RUnlock()

	if nc == nil || !nc.IsConnected() {
		return eventsourcing.WrapBusFailure(errors.New("not connected to broker"))
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return eventsourcing.WrapBusFailure(err)
	}
	return nil
}

// Shutdown drains in-flight deliveries and releases the connection. The
// context bounds the drain; on expiry the connection is closed immediately.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	nc := b.nc
	closed := b.closed
	b.nc = nil
	b.js = nil
	b.sub = nil
	b.consumeCtx = nil
	b.mu.Unlock()

	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return nil
	}
	select {
	case <-closed:
	case <-ctx.Done():
		b.logger.Warn("shutdown forced before drain completed")
		nc.Close()
	}
	return nil
}

func (b *EventBus) subscriptionsFor(eventType string) []*busSubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*busSubscription, 0, len(b.handlers[eventType])+len(b.catchAll))
	subs = append(subs, b.handlers[eventType]...)
	subs = append(subs, b.catchAll...)
	return subs
}

func (b *EventBus) isBound(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.bound[eventType]
	return ok
}

func (b *EventBus) consumerContext() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.consumeCtx != nil {
		return b.consumeCtx
	}
	return context.Background()
}

// busSubscription is one handler registration.
type busSubscription struct {
	bus       *EventBus
	eventType string
	handler   messaging.EventHandler
}

// EventType returns the bound event type, or "" for a catch-all.
func (s *busSubscription) EventType() string {
	return s.eventType
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *busSubscription) Unsubscribe() error {
	s.bus.remove(s)
	return nil
}

// sanitizeConsumerName maps a service name onto the characters NATS allows
// in durable consumer names.
func sanitizeConsumerName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// NewEmbeddedEventBus starts an embedded server and an initialized bus on
// it. Convenience for tests and the zero-config daemon.
func NewEmbeddedEventBus(ctx context.Context) (*EventBus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		return nil, nil, err
	}

	config := DefaultConfig()
	config.URL = srv.URL()
	bus := NewEventBus(config)
	if err := bus.Init(ctx); err != nil {
		srv.Shutdown()
		return nil, nil, err
	}
	return bus, srv, nil
}
