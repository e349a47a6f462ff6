package nats_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/libris/pkg/cqrs"
	cqrsnats "github.com/plaenen/libris/pkg/cqrs/nats"
	"github.com/plaenen/libris/pkg/eventsourcing"
	natspkg "github.com/plaenen/libris/pkg/nats"
)

type getBookRequest struct {
	ID string `json:"id"`
}

type getBookReply struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	MessageType   string `json:"messageType,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func startBroker(t *testing.T) *natspkg.EmbeddedServer {
	t.Helper()
	srv, err := natspkg.StartEmbeddedServer()
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, url string) *cqrsnats.Server {
	t.Helper()
	srv, err := cqrsnats.NewServer(context.Background(), &cqrsnats.ServerConfig{
		URL:    url,
		Name:   "libris-test",
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newTestTransport(t *testing.T, url string, base *cqrs.TransportConfig) *cqrsnats.Transport {
	t.Helper()
	tr, err := cqrsnats.NewTransport(context.Background(), &cqrsnats.TransportConfig{
		TransportConfig: base,
		URL:             url,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRequestReplyRoundtrip(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	err := server.RegisterHandler("catalog.book.get", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		var req getBookRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return eventsourcing.NewSuccessResponse(getBookReply{
			ID:          req.ID,
			Title:       "Dune",
			MessageType: cqrs.MessageTypeFromContext(ctx),
		})
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	transport := newTestTransport(t, broker.URL(), nil)

	resp, err := transport.Request(context.Background(), "catalog.book.get", getBookRequest{ID: "book-1"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}

	var reply getBookReply
	if err := resp.UnpackData(&reply); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if reply.ID != "book-1" || reply.Title != "Dune" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.MessageType != "getBookRequest" {
		t.Fatalf("message type header not propagated, got %q", reply.MessageType)
	}
}

func TestDomainErrorCrossesWire(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	err := server.RegisterHandler("catalog.book.get", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		return nil, eventsourcing.NewNotFoundError("BOOK_NOT_FOUND", "no such book")
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	transport := newTestTransport(t, broker.URL(), nil)

	resp, err := transport.Request(context.Background(), "catalog.book.get", getBookRequest{ID: "missing"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error.Kind != "NotFound" || resp.Error.Code != "BOOK_NOT_FOUND" {
		t.Fatalf("unexpected wire error: %+v", resp.Error)
	}

	var respErr *eventsourcing.ResponseError
	if !errors.As(resp.AsError(), &respErr) {
		t.Fatalf("AsError returned %T", resp.AsError())
	}
	if respErr.Code() != "BOOK_NOT_FOUND" {
		t.Fatalf("code = %q", respErr.Code())
	}
}

func TestInternalErrorIsRedacted(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	err := server.RegisterHandler("catalog.book.get", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		return nil, errors.New("dsn=file:libris.db credentials leaked")
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	transport := newTestTransport(t, broker.URL(), nil)

	resp, err := transport.Request(context.Background(), "catalog.book.get", getBookRequest{ID: "x"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error.Kind != "Internal" {
		t.Fatalf("kind = %q, want Internal", resp.Error.Kind)
	}
	if resp.Error.Message != "internal error" {
		t.Fatalf("internal detail leaked over the wire: %q", resp.Error.Message)
	}
}

func TestTransportRetriesOnConflict(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	var calls atomic.Int64
	err := server.RegisterHandler("wallet.debit", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		if calls.Add(1) < 3 {
			return nil, eventsourcing.ErrConcurrencyConflict
		}
		return eventsourcing.NewSuccessResponse(eventsourcing.CommandAck{AggregateID: "wallet-1", Version: 4})
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	cfg := cqrs.DefaultTransportConfig()
	cfg.MaxRetries = 3
	transport := newTestTransport(t, broker.URL(), cfg)

	resp, err := transport.Request(context.Background(), "wallet.debit", struct{}{})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success after retries, got %+v", resp.Error)
	}

	var ack eventsourcing.CommandAck
	if err := resp.UnpackData(&ack); err != nil {
		t.Fatalf("unpack ack: %v", err)
	}
	if ack.Version != 4 {
		t.Fatalf("version = %d, want 4", ack.Version)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler called %d times, want 3", got)
	}
}

func TestTransportExhaustsRetryBudget(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	var calls atomic.Int64
	err := server.RegisterHandler("wallet.debit", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		calls.Add(1)
		return nil, eventsourcing.ErrConcurrencyConflict
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	cfg := cqrs.DefaultTransportConfig()
	cfg.MaxRetries = 1
	transport := newTestTransport(t, broker.URL(), cfg)

	resp, err := transport.Request(context.Background(), "wallet.debit", struct{}{})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected conflict response after exhausted retries")
	}
	if !resp.Error.Retryable() {
		t.Fatalf("expected retryable error, got %+v", resp.Error)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler called %d times, want 2", got)
	}
}

func TestTransportTimeout(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	err := server.RegisterHandler("catalog.book.get", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		time.Sleep(300 * time.Millisecond)
		return eventsourcing.NewSuccessResponse(getBookReply{ID: "late"})
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	cfg := cqrs.DefaultTransportConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxRetries = 0
	transport := newTestTransport(t, broker.URL(), cfg)

	resp, err := transport.Request(context.Background(), "catalog.book.get", getBookRequest{ID: "x"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Success || resp.Error.Code != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT response, got %+v", resp)
	}
}

func TestTransportNoResponders(t *testing.T) {
	broker := startBroker(t)
	transport := newTestTransport(t, broker.URL(), nil)

	resp, err := transport.Request(context.Background(), "nobody.home", getBookRequest{ID: "x"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Success || resp.Error.Code != "NO_RESPONDERS" {
		t.Fatalf("expected NO_RESPONDERS response, got %+v", resp)
	}
}

func TestCorrelationIDPropagates(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	err := server.RegisterHandler("catalog.book.get", func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		return eventsourcing.NewSuccessResponse(getBookReply{
			CorrelationID: cqrs.CorrelationIDFromContext(ctx),
		})
	})
	if err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}

	transport := newTestTransport(t, broker.URL(), nil)

	ctx := cqrs.WithCorrelationID(context.Background(), "corr-42")
	resp, err := transport.Request(ctx, "catalog.book.get", getBookRequest{ID: "x"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var reply getBookReply
	if err := resp.UnpackData(&reply); err != nil {
		t.Fatalf("unpack reply: %v", err)
	}
	if reply.CorrelationID != "corr-42" {
		t.Fatalf("correlation id = %q, want corr-42", reply.CorrelationID)
	}
}

func TestRegistrationRules(t *testing.T) {
	broker := startBroker(t)
	server := newTestServer(t, broker.URL())

	noop := func(ctx context.Context, data []byte) (*eventsourcing.Response, error) {
		return eventsourcing.NewSuccessResponse(struct{}{})
	}

	if err := server.Start(context.Background()); err == nil {
		t.Fatal("expected error starting with no handlers")
	}
	if err := server.RegisterHandler("a.b", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := server.RegisterHandler("a.b", noop); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := server.RegisterHandler("c.d", noop); err == nil {
		t.Fatal("expected error registering after start")
	}
	if err := server.Start(context.Background()); err == nil {
		t.Fatal("expected error for double start")
	}
}
