package projections_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/wallets"
	"github.com/plaenen/libris/pkg/wallets/projections"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func TestMain(m *testing.M) {
	domain.TimeFunc = func() time.Time { return fixedNow }
	m.Run()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	views      *projections.WalletViews
	projection eventsourcing.Projection
	cache      *cache.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	views, err := projections.NewWalletViews(db)
	if err != nil {
		t.Fatalf("new views: %v", err)
	}
	memory := cache.NewMemory(time.Minute)
	proj, err := projections.NewProjection(context.Background(), db, views, nil, memory, discardLogger())
	if err != nil {
		t.Fatalf("new projection: %v", err)
	}
	return &harness{views: views, projection: proj, cache: memory}
}

func (h *harness) feed(t *testing.T, wallet *wallets.Wallet) {
	t.Helper()
	for _, evt := range wallet.UncommittedEvents() {
		envelope, err := domain.Envelope(evt)
		if err != nil {
			t.Fatalf("envelope %s: %v", evt.EventType, err)
		}
		if err := h.projection.Handle(context.Background(), envelope); err != nil {
			t.Fatalf("handle %s: %v", evt.EventType, err)
		}
	}
	wallet.ClearUncommittedEvents()
}

func createWallet(t *testing.T, h *harness, userID string, balance int64) *wallets.Wallet {
	t.Helper()
	wallet := wallets.New(domain.NewAggregateID())
	if err := wallet.Create(userID, balance); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.feed(t, wallet)
	return wallet
}

func TestWalletViewCreate(t *testing.T) {
	h := newHarness(t)
	wallet := createWallet(t, h, "user-1", 1000)

	row, err := h.views.Get(context.Background(), wallet.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.UserID != "user-1" || row.Balance != 1000 || row.Version != 1 {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.CreatedAt != fixedNow.Unix() {
		t.Fatalf("created_at = %d, want %d", row.CreatedAt, fixedNow.Unix())
	}

	byUser, err := h.views.FindByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if byUser.ID != wallet.ID() {
		t.Fatalf("user lookup returned %s, want %s", byUser.ID, wallet.ID())
	}
}

func TestWalletViewTracksBalance(t *testing.T) {
	h := newHarness(t)
	wallet := createWallet(t, h, "user-1", 1000)

	if err := wallet.Debit("res-1", 300); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := wallet.ApplyLateFee("res-2", 3, 5000, 20); err != nil {
		t.Fatalf("late fee: %v", err)
	}
	h.feed(t, wallet)

	row, err := h.views.Get(context.Background(), wallet.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Balance != 640 || row.Version != 3 {
		t.Fatalf("row = %+v, want balance 640 version 3", row)
	}
}

// A replayed delivery carries an older version and must not move the row.
func TestWalletViewRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	wallet := createWallet(t, h, "user-1", 1000)

	if err := wallet.Debit("res-1", 300); err != nil {
		t.Fatalf("debit: %v", err)
	}
	debit := wallet.UncommittedEvents()[0]
	h.feed(t, wallet)

	envelope, err := domain.Envelope(debit)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := h.projection.Handle(context.Background(), envelope); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	row, err := h.views.Get(context.Background(), wallet.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Balance != 700 || row.Version != 2 {
		t.Fatalf("redelivery moved the row: %+v", row)
	}
}

func TestWalletViewMissingRow(t *testing.T) {
	h := newHarness(t)
	_, err := h.views.Get(context.Background(), "missing")
	if !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestWalletViewInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	wallet := createWallet(t, h, "user-1", 1000)
	ctx := context.Background()

	key := projections.CacheKeyWallet(wallet.ID())
	h.cache.Set(ctx, key, []byte(`{"balance":"10.00"}`), time.Minute)
	h.cache.Set(ctx, key+":fields=balance", []byte(`{"balance":"10.00"}`), time.Minute)

	if err := wallet.Adjust(-100); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	h.feed(t, wallet)

	if h.cache.Exists(ctx, key) || h.cache.Exists(ctx, key+":fields=balance") {
		t.Fatal("stale wallet reads were not invalidated")
	}
}
