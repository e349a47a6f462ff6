package handlers_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/messaging"
	sqlitepkg "github.com/plaenen/libris/pkg/sqlite"
	"github.com/plaenen/libris/pkg/wallets"
	"github.com/plaenen/libris/pkg/wallets/handlers"
	"github.com/plaenen/libris/pkg/wallets/projections"

	_ "modernc.org/sqlite"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func TestMain(m *testing.M) {
	domain.TimeFunc = func() time.Time { return fixedNow }
	code := m.Run()
	domain.TimeFunc = nil
	os.Exit(code)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureBus struct {
	published []*domain.Event
}

func (b *captureBus) Init(context.Context) error                      { return nil }
func (b *captureBus) BindEventTypes(context.Context, ...string) error { return nil }
func (b *captureBus) StartConsuming(context.Context) error            { return nil }
func (b *captureBus) Shutdown(context.Context) error                  { return nil }
func (b *captureBus) CheckHealth(context.Context) error               { return nil }
func (b *captureBus) Unsubscribe(messaging.Subscription) bool         { return false }
func (b *captureBus) Subscribe(string, messaging.EventHandler) (messaging.Subscription, error) {
	return nil, errors.New("not supported")
}
func (b *captureBus) SubscribeAll(messaging.EventHandler) (messaging.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *captureBus) Publish(_ context.Context, events ...*domain.Event) error {
	b.published = append(b.published, events...)
	return nil
}

func (b *captureBus) drain() []*domain.Event {
	out := b.published
	b.published = nil
	return out
}

// byType separates a drained batch for assertions.
func byType(events []*domain.Event, eventType string) []*domain.Event {
	var out []*domain.Event
	for _, evt := range events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fixture struct {
	events     *sqlitepkg.EventStore
	commands   *handlers.CommandHandler
	queries    *handlers.QueryHandler
	views      *projections.WalletViews
	projection eventsourcing.Projection
	payments   eventsourcing.Projection
	lateFees   eventsourcing.Projection
	bus        *captureBus
	cfg        config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	events, err := sqlitepkg.NewEventStore(
		sqlitepkg.WithMemoryDatabase(),
		sqlitepkg.WithWALMode(false),
	)
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	viewDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open view db: %v", err)
	}
	viewDB.SetMaxOpenConns(1)
	t.Cleanup(func() { viewDB.Close() })

	views, err := projections.NewWalletViews(viewDB)
	if err != nil {
		t.Fatalf("failed to create views: %v", err)
	}
	memCache := cache.NewMemory(time.Minute)
	proj, err := projections.NewProjection(context.Background(), viewDB, views, events, memCache, discardLogger())
	if err != nil {
		t.Fatalf("failed to build projection: %v", err)
	}

	bus := &captureBus{}
	cfg := config.Default()
	return &fixture{
		events:     events,
		commands:   handlers.NewCommandHandler(events, bus, cfg, handlers.WithLogger(discardLogger())),
		queries:    handlers.NewQueryHandler(views, memCache, cfg),
		views:      views,
		projection: proj,
		payments:   handlers.NewPaymentsProjection(events, bus, cfg, discardLogger()),
		lateFees:   handlers.NewLateFeesProjection(events, bus, cfg, discardLogger()),
		bus:        bus,
		cfg:        cfg,
	}
}

func (f *fixture) project(t *testing.T, events []*domain.Event) {
	t.Helper()
	for _, evt := range events {
		envelope, err := domain.Envelope(evt)
		if err != nil {
			t.Fatalf("failed to build envelope: %v", err)
		}
		if err := f.projection.Handle(context.Background(), envelope); err != nil {
			t.Fatalf("projection failed on %s: %v", evt.EventType, err)
		}
	}
}

func meta(id string) domain.CommandMetadata {
	return domain.CommandMetadata{CommandID: id, CorrelationID: "corr-" + id, Timestamp: fixedNow}
}

func createWallet(t *testing.T, f *fixture, userID, balance string) string {
	t.Helper()
	ack, err := f.commands.CreateWallet(context.Background(), &wallets.CreateWalletCommand{
		UserID:  userID,
		Balance: balance,
	}, meta("cmd-create-"+userID))
	if err != nil {
		t.Fatalf("create wallet failed: %v", err)
	}
	f.project(t, f.bus.drain())
	return ack.AggregateID
}

// pendingPayment builds the reservation event the saga would publish.
func pendingPayment(t *testing.T, reservationID, userID string, amount int64) *domain.EventEnvelope {
	t.Helper()
	evt := &domain.Event{
		ID:            "evt-pending-" + reservationID,
		AggregateID:   reservationID,
		AggregateType: libris.AggregateTypeReservation,
		EventType:     libris.EventTypeReservationPendingPayment,
		Version:       3,
		SchemaVersion: 1,
		Timestamp:     fixedNow,
		Metadata:      domain.EventMetadata{CorrelationID: "corr-saga-" + reservationID},
	}
	envelope := &domain.EventEnvelope{
		Event:   *evt,
		Payload: &libris.ReservationPendingPayment{UserID: userID, Amount: amount},
	}
	return envelope
}

func returned(t *testing.T, reservationID, userID string, daysLate int, retailPrice int64) *domain.EventEnvelope {
	t.Helper()
	evt := &domain.Event{
		ID:            "evt-returned-" + reservationID,
		AggregateID:   reservationID,
		AggregateType: libris.AggregateTypeReservation,
		EventType:     libris.EventTypeReservationReturned,
		Version:       5,
		SchemaVersion: 1,
		Timestamp:     fixedNow,
		Metadata:      domain.EventMetadata{CorrelationID: "corr-saga-" + reservationID},
	}
	return &domain.EventEnvelope{
		Event:   *evt,
		Payload: &libris.ReservationReturned{UserID: userID, DaysLate: daysLate, RetailPrice: retailPrice},
	}
}

func TestCreateWalletPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	id := createWallet(t, f, "user-1", "10.00")

	view, err := f.views.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("view lookup failed: %v", err)
	}
	if view.UserID != "user-1" || view.Balance != 1000 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestCreateWalletOnePerUser(t *testing.T) {
	f := newFixture(t)
	createWallet(t, f, "user-1", "10.00")

	_, err := f.commands.CreateWallet(context.Background(), &wallets.CreateWalletCommand{
		UserID: "user-1",
	}, meta("cmd-again"))
	if !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var domainErr *eventsourcing.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "WALLET_ALREADY_EXISTS" {
		t.Fatalf("expected WALLET_ALREADY_EXISTS, got %v", err)
	}
}

func TestUpdateWalletBalanceByUser(t *testing.T) {
	f := newFixture(t)
	id := createWallet(t, f, "user-1", "10.00")

	ack, err := f.commands.UpdateWalletBalance(context.Background(), &wallets.UpdateWalletBalanceCommand{
		UserID: "user-1",
		Amount: "-2.50",
	}, meta("cmd-adjust"))
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if ack.AggregateID != id || ack.Version != 2 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	f.project(t, f.bus.drain())
	view, err := f.views.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("view lookup failed: %v", err)
	}
	if view.Balance != 750 {
		t.Fatalf("balance = %d, want 750", view.Balance)
	}
}

func TestUpdateWalletBalanceOverdraw(t *testing.T) {
	f := newFixture(t)
	createWallet(t, f, "user-1", "1.00")

	_, err := f.commands.UpdateWalletBalance(context.Background(), &wallets.UpdateWalletBalanceCommand{
		UserID: "user-1",
		Amount: "-5.00",
	}, meta("cmd-overdraw"))
	var domainErr *eventsourcing.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INSUFFICIENT_FUNDS" {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
}

func TestGetWalletByUser(t *testing.T) {
	f := newFixture(t)
	id := createWallet(t, f, "user-1", "10.00")

	dto, err := f.queries.GetWallet(context.Background(), &wallets.GetWalletQuery{UserID: "user-1"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if dto.ID != id || dto.Balance != "10.00" {
		t.Fatalf("unexpected dto %+v", dto)
	}

	_, err = f.queries.GetWallet(context.Background(), &wallets.GetWalletQuery{UserID: "nobody"})
	if !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaymentsReactorDebitsOnce(t *testing.T) {
	f := newFixture(t)
	walletID := createWallet(t, f, "user-1", "10.00")
	ctx := context.Background()

	envelope := pendingPayment(t, "res-1", "user-1", f.cfg.ReservationFee)
	if err := f.payments.Handle(ctx, envelope); err != nil {
		t.Fatalf("payments reactor failed: %v", err)
	}

	batch := f.bus.drain()
	debits := byType(batch, libris.EventTypeWalletBalanceUpdated)
	successes := byType(batch, libris.EventTypeWalletPaymentSuccess)
	if len(debits) != 1 || len(successes) != 1 {
		t.Fatalf("expected 1 debit + 1 success, got %d/%d", len(debits), len(successes))
	}
	if debits[0].AggregateID != walletID || debits[0].Version != 2 {
		t.Fatalf("unexpected debit event %+v", debits[0])
	}
	if !successes[0].IsTransient() {
		t.Fatal("payment success must be transient")
	}
	payload, err := domain.DecodePayload(successes[0].EventType, successes[0].Data)
	if err != nil {
		t.Fatalf("failed to decode success: %v", err)
	}
	success := payload.(*libris.WalletPaymentSuccess)
	if success.PaymentRef != debits[0].ID {
		t.Fatalf("payment ref %s does not match debit event id %s", success.PaymentRef, debits[0].ID)
	}
	if success.Amount != f.cfg.ReservationFee {
		t.Fatalf("amount = %d, want %d", success.Amount, f.cfg.ReservationFee)
	}

	// Redelivery must re-announce the same payment, not debit again.
	if err := f.payments.Handle(ctx, envelope); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	batch = f.bus.drain()
	if len(byType(batch, libris.EventTypeWalletBalanceUpdated)) != 0 {
		t.Fatal("redelivery appended a second debit")
	}
	again := byType(batch, libris.EventTypeWalletPaymentSuccess)
	if len(again) != 1 {
		t.Fatalf("expected re-announced success, got %d", len(again))
	}
	payload, _ = domain.DecodePayload(again[0].EventType, again[0].Data)
	if payload.(*libris.WalletPaymentSuccess).PaymentRef != success.PaymentRef {
		t.Fatal("re-announced payment carries a different ref")
	}
}

func TestPaymentsReactorDeclines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("no wallet", func(t *testing.T) {
		envelope := pendingPayment(t, "res-1", "ghost", 300)
		if err := f.payments.Handle(ctx, envelope); err != nil {
			t.Fatalf("payments reactor failed: %v", err)
		}
		declines := byType(f.bus.drain(), libris.EventTypeWalletPaymentDeclined)
		if len(declines) != 1 {
			t.Fatalf("expected 1 decline, got %d", len(declines))
		}
		payload, _ := domain.DecodePayload(declines[0].EventType, declines[0].Data)
		if payload.(*libris.WalletPaymentDeclined).Reason != libris.ReasonWalletNotFound {
			t.Fatalf("unexpected decline %+v", payload)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		walletID := createWallet(t, f, "user-poor", "1.00")
		envelope := pendingPayment(t, "res-2", "user-poor", 300)
		if err := f.payments.Handle(ctx, envelope); err != nil {
			t.Fatalf("payments reactor failed: %v", err)
		}
		batch := f.bus.drain()
		declines := byType(batch, libris.EventTypeWalletPaymentDeclined)
		if len(declines) != 1 {
			t.Fatalf("expected 1 decline, got %d", len(declines))
		}
		payload, _ := domain.DecodePayload(declines[0].EventType, declines[0].Data)
		if payload.(*libris.WalletPaymentDeclined).Reason != libris.ReasonInsufficientFunds {
			t.Fatalf("unexpected decline %+v", payload)
		}
		if len(byType(batch, libris.EventTypeWalletBalanceUpdated)) != 0 {
			t.Fatal("declined payment appended a wallet event")
		}

		// The stream is untouched.
		stored, err := f.events.Load(ctx, walletID)
		if err != nil {
			t.Fatalf("failed to load stream: %v", err)
		}
		if len(stored) != 1 {
			t.Fatalf("stream grew to %d events on decline", len(stored))
		}
	})
}

func TestLateFeesReactor(t *testing.T) {
	f := newFixture(t)
	walletID := createWallet(t, f, "user-1", "10.00")
	ctx := context.Background()

	// On-time return: nothing to settle.
	if err := f.lateFees.Handle(ctx, returned(t, "res-0", "user-1", 0, 2500)); err != nil {
		t.Fatalf("on-time return failed: %v", err)
	}
	if len(f.bus.drain()) != 0 {
		t.Fatal("on-time return touched the wallet")
	}

	envelope := returned(t, "res-1", "user-1", 3, 2500)
	if err := f.lateFees.Handle(ctx, envelope); err != nil {
		t.Fatalf("late fee reactor failed: %v", err)
	}
	fees := byType(f.bus.drain(), libris.EventTypeWalletLateFeeApplied)
	if len(fees) != 1 {
		t.Fatalf("expected 1 fee event, got %d", len(fees))
	}
	payload, _ := domain.DecodePayload(fees[0].EventType, fees[0].Data)
	applied := payload.(*libris.WalletLateFeeApplied)
	if applied.Fee != 3*f.cfg.LateFeePerDay || applied.BookPurchased {
		t.Fatalf("unexpected fee %+v", applied)
	}

	// Redelivery is silently settled.
	if err := f.lateFees.Handle(ctx, envelope); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(f.bus.drain()) != 0 {
		t.Fatal("redelivery applied a second fee")
	}

	stored, err := f.events.Load(ctx, walletID)
	if err != nil {
		t.Fatalf("failed to load stream: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stream has %d events, want 2", len(stored))
	}
}
