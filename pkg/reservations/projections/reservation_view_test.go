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
	"github.com/plaenen/libris/pkg/libris"
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/reservations"
	"github.com/plaenen/libris/pkg/reservations/projections"
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
	views      *projections.ReservationViews
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

	views, err := projections.NewReservationViews(db)
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

// feed runs the aggregate's buffered events through the projection the way
// the bus would deliver them.
func (h *harness) feed(t *testing.T, r *reservations.Reservation) {
	t.Helper()
	for _, evt := range r.UncommittedEvents() {
		envelope, err := domain.Envelope(evt)
		if err != nil {
			t.Fatalf("envelope %s: %v", evt.EventType, err)
		}
		if err := h.projection.Handle(context.Background(), envelope); err != nil {
			t.Fatalf("handle %s: %v", evt.EventType, err)
		}
	}
	r.ClearUncommittedEvents()
}

func createReservation(t *testing.T, h *harness, userID, bookID string) *reservations.Reservation {
	t.Helper()
	r := reservations.New(domain.NewAggregateID())
	if err := r.Create(userID, bookID, domain.Now().AddDate(0, 0, 14)); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.feed(t, r)
	return r
}

// reserve walks a validated reservation to Reserved.
func reserve(t *testing.T, h *harness, r *reservations.Reservation) {
	t.Helper()
	if err := r.SetRetailPrice(2999); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := r.RequestPayment(300); err != nil {
		t.Fatalf("request payment: %v", err)
	}
	if err := r.Confirm("pay-"+r.ID(), libris.PaymentMethodWallet, 300); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	h.feed(t, r)
}

func TestReservationViewLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := createReservation(t, h, "user-1", "book-1")
	view, err := h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusValidating) || view.UserID != "user-1" || view.BookID != "book-1" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.DueDate != fixedNow.AddDate(0, 0, 14).Unix() {
		t.Fatalf("due date = %d", view.DueDate)
	}

	reserve(t, h, r)
	view, err = h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusReserved) || view.RetailPrice != 2999 || view.Fee != 300 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.PaymentRef != "pay-"+r.ID() || view.Version != 4 {
		t.Fatalf("unexpected view %+v", view)
	}

	if err := r.Borrow(); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := r.Return(); err != nil {
		t.Fatalf("return: %v", err)
	}
	h.feed(t, r)
	view, err = h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusReturned) || view.DaysLate != 0 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestReservationViewLateAndBrought(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := reservations.New(domain.NewAggregateID())
	if err := r.Create("user-1", "book-1", fixedNow.Add(-60*24*time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.feed(t, r)
	reserve(t, h, r)

	if err := r.Return(); err != nil {
		t.Fatalf("return: %v", err)
	}
	h.feed(t, r)
	view, err := h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusLate) || view.DaysLate != 60 {
		t.Fatalf("unexpected view %+v", view)
	}

	if err := r.MarkBookBrought(); err != nil {
		t.Fatalf("mark brought: %v", err)
	}
	h.feed(t, r)
	view, err = h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusBrought) {
		t.Fatalf("status = %s, want Brought", view.Status)
	}
}

func TestReservationViewRejected(t *testing.T) {
	h := newHarness(t)

	r := createReservation(t, h, "user-1", "book-ghost")
	if err := r.Reject(libris.ReasonBookNotFound); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.feed(t, r)

	view, err := h.views.Get(context.Background(), r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusRejected) || view.Reason != libris.ReasonBookNotFound {
		t.Fatalf("unexpected view %+v", view)
	}
}

// A redelivered older event must not roll the row back.
func TestReservationViewStaleRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := reservations.New(domain.NewAggregateID())
	if err := r.Create("user-1", "book-1", fixedNow.AddDate(0, 0, 14)); err != nil {
		t.Fatalf("create: %v", err)
	}
	events := append([]*domain.Event(nil), r.UncommittedEvents()...)
	h.feed(t, r)
	reserve(t, h, r)

	stale, err := domain.Envelope(events[0])
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	// Created is an insert; replaying it must not clobber the row either.
	if err := h.projection.Handle(ctx, stale); err != nil {
		t.Fatalf("stale redelivery: %v", err)
	}

	view, err := h.views.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != string(reservations.StatusReserved) || view.Version != 4 {
		t.Fatalf("stale redelivery rolled back the row: %+v", view)
	}
}

func TestReservationViewSoftDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := createReservation(t, h, "user-1", "book-1")
	if err := r.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.feed(t, r)

	if _, err := h.views.Get(ctx, r.ID()); !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("deleted reservation still readable: %v", err)
	}
	page, err := h.views.History(ctx, "user-1", "", projection.Query{Page: 1, Limit: 10}.Normalize(10, 100))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Pagination.Total != 0 {
		t.Fatalf("deleted reservation still counted: %+v", page.Pagination)
	}

	// Cache invalidation still needs the owner of a deleted row.
	owner, err := h.views.OwnerOf(ctx, r.ID())
	if err != nil || owner != "user-1" {
		t.Fatalf("owner = %q, %v", owner, err)
	}
}

func TestReservationViewHistoryPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		r := createReservation(t, h, "user-1", "book-1")
		ids = append(ids, r.ID())
	}
	rejected := createReservation(t, h, "user-1", "book-ghost")
	if err := rejected.Reject(libris.ReasonBookNotFound); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.feed(t, rejected)
	createReservation(t, h, "user-2", "book-1")

	page, err := h.views.History(ctx, "user-1", "", projection.Query{Page: 1, Limit: 4}.Normalize(10, 100))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Pagination.Total != 6 || page.Pagination.Pages != 2 || !page.Pagination.HasNext {
		t.Fatalf("unexpected pagination %+v", page.Pagination)
	}
	if len(page.Data) != 4 {
		t.Fatalf("page size = %d, want 4", len(page.Data))
	}
	for _, row := range page.Data {
		if row.UserID != "user-1" {
			t.Fatalf("foreign row in history: %+v", row)
		}
	}

	validating, err := h.views.History(ctx, "user-1", string(reservations.StatusValidating),
		projection.Query{Page: 1, Limit: 10}.Normalize(10, 100))
	if err != nil {
		t.Fatalf("filtered history: %v", err)
	}
	if validating.Pagination.Total != int64(len(ids)) {
		t.Fatalf("validating total = %d, want %d", validating.Pagination.Total, len(ids))
	}
}

func TestReservationViewCountActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Validating: not active.
	createReservation(t, h, "user-1", "book-1")

	// Reserved and Borrowed: active.
	reserved := createReservation(t, h, "user-1", "book-2")
	reserve(t, h, reserved)
	borrowed := createReservation(t, h, "user-1", "book-3")
	reserve(t, h, borrowed)
	if err := borrowed.Borrow(); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.feed(t, borrowed)

	// Returned and Rejected: settled.
	returned := createReservation(t, h, "user-1", "book-4")
	reserve(t, h, returned)
	if err := returned.Return(); err != nil {
		t.Fatalf("return: %v", err)
	}
	h.feed(t, returned)
	rejected := createReservation(t, h, "user-1", "book-5")
	if err := rejected.Reject(libris.ReasonBookNotFound); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h.feed(t, rejected)

	// Another user entirely.
	other := createReservation(t, h, "user-2", "book-1")
	reserve(t, h, other)

	count, err := h.views.CountActiveForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("active count = %d, want 2", count)
	}
}

func TestReservationViewFindPendingOlderThan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two stuck reservations from two hours ago, one validating, one
	// awaiting payment.
	domain.TimeFunc = func() time.Time { return fixedNow.Add(-2 * time.Hour) }
	stuckValidating := createReservation(t, h, "user-1", "book-1")
	stuckPending := createReservation(t, h, "user-1", "book-2")
	if err := stuckPending.SetRetailPrice(2999); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := stuckPending.RequestPayment(300); err != nil {
		t.Fatalf("request payment: %v", err)
	}
	h.feed(t, stuckPending)

	// Fresh in-flight and settled reservations must not be collected.
	domain.TimeFunc = func() time.Time { return fixedNow }
	createReservation(t, h, "user-1", "book-3")
	settled := createReservation(t, h, "user-1", "book-4")
	reserve(t, h, settled)

	stuck, err := h.views.FindPendingOlderThan(ctx, fixedNow.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("stuck = %d, want 2", len(stuck))
	}
	found := map[string]string{}
	for _, row := range stuck {
		found[row.ID] = row.Status
	}
	if found[stuckValidating.ID()] != string(reservations.StatusValidating) {
		t.Fatalf("missing stuck validating row: %+v", found)
	}
	if found[stuckPending.ID()] != string(reservations.StatusPendingPayment) {
		t.Fatalf("missing stuck pending row: %+v", found)
	}

	limited, err := h.views.FindPendingOlderThan(ctx, fixedNow.Add(-time.Hour), 1)
	if err != nil {
		t.Fatalf("find pending limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d, want 1", len(limited))
	}
}

func TestReservationViewCacheInvalidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := createReservation(t, h, "user-1", "book-1")
	h.cache.Set(ctx, projections.CacheKeyHistory("user-1", "page=1"), []byte(`{}`), time.Minute)
	h.cache.Set(ctx, projections.CacheKeyHistory("user-2", "page=1"), []byte(`{}`), time.Minute)

	if err := r.Cancel(""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.feed(t, r)

	if h.cache.Exists(ctx, projections.CacheKeyHistory("user-1", "page=1")) {
		t.Fatal("user-1 history cache not invalidated")
	}
	if !h.cache.Exists(ctx, projections.CacheKeyHistory("user-2", "page=1")) {
		t.Fatal("user-2 history cache wrongly invalidated")
	}
}
