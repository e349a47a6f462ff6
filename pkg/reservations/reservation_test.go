package reservations

import (
	"errors"
	"testing"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func TestMain(m *testing.M) {
	domain.TimeFunc = func() time.Time { return fixedNow }
	m.Run()
}

func newValidating(t *testing.T) *Reservation {
	t.Helper()
	r := New(domain.NewAggregateID())
	if err := r.Create("user-1", "book-1", fixedNow.AddDate(0, 0, 14)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

// newReserved walks a reservation to Reserved the way the saga does.
func newReserved(t *testing.T, dueDate time.Time) *Reservation {
	t.Helper()
	r := New(domain.NewAggregateID())
	if err := r.Create("user-1", "book-1", dueDate); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.SetRetailPrice(2999); err != nil {
		t.Fatalf("SetRetailPrice: %v", err)
	}
	if err := r.RequestPayment(300); err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if err := r.Confirm("pay-1", libris.PaymentMethodWallet, 300); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return r
}

func TestReservationCreate(t *testing.T) {
	r := newValidating(t)

	if r.Version() != 1 {
		t.Fatalf("version = %d, want 1", r.Version())
	}
	if r.UserID != "user-1" || r.BookID != "book-1" || r.Status != StatusValidating {
		t.Fatalf("state not applied: %+v", r)
	}

	events := r.UncommittedEvents()
	if len(events) != 1 {
		t.Fatalf("uncommitted events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.EventType != libris.EventTypeReservationCreated || evt.Version != 1 {
		t.Fatalf("unexpected event %s v%d", evt.EventType, evt.Version)
	}
	if evt.AggregateType != libris.AggregateTypeReservation {
		t.Fatalf("aggregate type = %s", evt.AggregateType)
	}

	if err := r.Create("user-1", "book-1", fixedNow); !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("second create = %v, want conflict", err)
	}
}

func TestReservationCreateValidation(t *testing.T) {
	cases := []struct {
		name string
		run  func(r *Reservation) error
	}{
		{"empty user", func(r *Reservation) error { return r.Create("", "book-1", fixedNow) }},
		{"empty book", func(r *Reservation) error { return r.Create("user-1", "", fixedNow) }},
		{"zero due date", func(r *Reservation) error { return r.Create("user-1", "book-1", time.Time{}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(domain.NewAggregateID())
			err := tc.run(r)
			if !errors.Is(err, eventsourcing.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if r.Version() != 0 {
				t.Fatalf("failed create advanced version to %d", r.Version())
			}
		})
	}
}

func TestReservationHappyPath(t *testing.T) {
	r := newReserved(t, fixedNow.AddDate(0, 0, 14))

	if r.Status != StatusReserved || r.Version() != 4 {
		t.Fatalf("status = %s v%d, want Reserved v4", r.Status, r.Version())
	}
	if r.RetailPrice != 2999 || r.Fee != 300 || r.PaymentRef != "pay-1" {
		t.Fatalf("state not applied: %+v", r)
	}

	if err := r.Borrow(); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if r.Status != StatusBorrowed {
		t.Fatalf("status = %s, want Borrowed", r.Status)
	}
	if err := r.Return(); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if r.Status != StatusReturned || r.DaysLate != 0 {
		t.Fatalf("status = %s daysLate = %d, want Returned 0", r.Status, r.DaysLate)
	}

	types := []string{
		libris.EventTypeReservationCreated,
		libris.EventTypeReservationRetailPriceSet,
		libris.EventTypeReservationPendingPayment,
		libris.EventTypeReservationConfirmed,
		libris.EventTypeReservationBookBorrowed,
		libris.EventTypeReservationReturned,
	}
	events := r.UncommittedEvents()
	if len(events) != len(types) {
		t.Fatalf("uncommitted events = %d, want %d", len(events), len(types))
	}
	for i, evt := range events {
		if evt.EventType != types[i] || evt.Version != int64(i+1) {
			t.Fatalf("event %d = %s v%d, want %s v%d", i, evt.EventType, evt.Version, types[i], i+1)
		}
	}
}

// Return from Reserved without a pickup is allowed; the user simply never
// collected the book.
func TestReservationReturnWithoutPickup(t *testing.T) {
	r := newReserved(t, fixedNow.AddDate(0, 0, 14))

	if err := r.Return(); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if r.Status != StatusReturned {
		t.Fatalf("status = %s, want Returned", r.Status)
	}
}

func TestReservationLateReturn(t *testing.T) {
	cases := []struct {
		name     string
		overdue  time.Duration
		daysLate int
		status   Status
	}{
		{"on the due date", 0, 0, StatusReturned},
		{"under a day", 23 * time.Hour, 0, StatusReturned},
		{"a day and a half", 36 * time.Hour, 1, StatusLate},
		{"sixty days", 60 * 24 * time.Hour, 60, StatusLate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newReserved(t, fixedNow.Add(-tc.overdue))
			if err := r.Borrow(); err != nil {
				t.Fatalf("Borrow: %v", err)
			}
			if err := r.Return(); err != nil {
				t.Fatalf("Return: %v", err)
			}
			if r.Status != tc.status || r.DaysLate != tc.daysLate {
				t.Fatalf("status = %s daysLate = %d, want %s %d", r.Status, r.DaysLate, tc.status, tc.daysLate)
			}

			events := r.UncommittedEvents()
			payload, err := domain.DecodePayload(libris.EventTypeReservationReturned, events[len(events)-1].Data)
			if err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			returned := payload.(*libris.ReservationReturned)
			if returned.DaysLate != tc.daysLate || returned.UserID != "user-1" || returned.RetailPrice != 2999 {
				t.Fatalf("unexpected payload %+v", returned)
			}
		})
	}
}

func TestReservationBrought(t *testing.T) {
	r := newReserved(t, fixedNow.Add(-60*24*time.Hour))
	if err := r.Return(); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if r.Status != StatusLate {
		t.Fatalf("status = %s, want Late", r.Status)
	}

	if err := r.MarkBookBrought(); err != nil {
		t.Fatalf("MarkBookBrought: %v", err)
	}
	if r.Status != StatusBrought {
		t.Fatalf("status = %s, want Brought", r.Status)
	}

	// Brought is terminal.
	if err := r.Return(); !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("return after brought = %v, want conflict", err)
	}
}

func TestReservationReject(t *testing.T) {
	r := newValidating(t)
	if err := r.Reject(libris.ReasonBookNotFound); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if r.Status != StatusRejected || r.Reason != libris.ReasonBookNotFound {
		t.Fatalf("state not applied: %+v", r)
	}

	// Rejected is terminal.
	if err := r.Reject(libris.ReasonBookNotFound); !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("second reject = %v, want conflict", err)
	}
	if err := r.Borrow(); !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("borrow after reject = %v, want conflict", err)
	}
}

func TestReservationCancel(t *testing.T) {
	r := newValidating(t)
	if err := r.Cancel(""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r.Status != StatusCancelled || r.Reason != libris.ReasonCancelledByUser {
		t.Fatalf("state not applied: %+v", r)
	}

	// Once the book is reserved the user returns it instead.
	reserved := newReserved(t, fixedNow.AddDate(0, 0, 14))
	err := reserved.Cancel("changed my mind")
	if !errors.Is(err, eventsourcing.ErrConflict) {
		t.Fatalf("cancel after reserve = %v, want conflict", err)
	}
	var domainErr *eventsourcing.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_STATE" {
		t.Fatalf("code = %v, want INVALID_STATE", err)
	}
}

func TestReservationInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		run  func(r *Reservation) error
	}{
		{"confirm before payment", func(r *Reservation) error { return r.Confirm("pay-1", libris.PaymentMethodWallet, 300) }},
		{"borrow before confirm", func(r *Reservation) error { return r.Borrow() }},
		{"return before confirm", func(r *Reservation) error { return r.Return() }},
		{"brought before late", func(r *Reservation) error { return r.MarkBookBrought() }},
		{"price after payment", func(r *Reservation) error {
			if err := r.RequestPayment(300); err != nil {
				return err
			}
			return r.SetRetailPrice(100)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(newValidating(t)); !errors.Is(err, eventsourcing.ErrConflict) {
				t.Fatalf("err = %v, want conflict", err)
			}
		})
	}

	r := New(domain.NewAggregateID())
	if err := r.Borrow(); !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("borrow before create = %v, want not found", err)
	}
}

func TestReservationDelete(t *testing.T) {
	r := newValidating(t)
	if err := r.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !r.Deleted {
		t.Fatal("delete not applied")
	}

	if err := r.Delete(); !errors.Is(err, eventsourcing.ErrAlreadyDeleted) {
		t.Fatalf("second delete = %v, want ErrAlreadyDeleted", err)
	}
	if err := r.Cancel(""); !errors.Is(err, eventsourcing.ErrAlreadyDeleted) {
		t.Fatalf("cancel after delete = %v, want ErrAlreadyDeleted", err)
	}
}

// Replaying the buffered events into a fresh aggregate must reproduce the
// full saga state, the late-return outcome included.
func TestReservationRehydration(t *testing.T) {
	r := newReserved(t, fixedNow.Add(-36*time.Hour))
	if err := r.Borrow(); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if err := r.Return(); err != nil {
		t.Fatalf("Return: %v", err)
	}

	events := r.UncommittedEvents()
	if err := domain.ValidateHistory(events); err != nil {
		t.Fatalf("history invalid: %v", err)
	}

	replayed := New(r.ID())
	for _, evt := range events {
		if err := Apply(replayed, evt); err != nil {
			t.Fatalf("apply %s: %v", evt.EventType, err)
		}
	}
	replayed.SetVersion(events[len(events)-1].Version)

	if replayed.Status != r.Status || replayed.DaysLate != r.DaysLate {
		t.Fatalf("replayed state %+v != emitted state %+v", replayed, r)
	}
	if replayed.UserID != r.UserID || replayed.BookID != r.BookID {
		t.Fatalf("replayed identity %+v != %+v", replayed, r)
	}
	if replayed.RetailPrice != r.RetailPrice || replayed.Fee != r.Fee || replayed.PaymentRef != r.PaymentRef {
		t.Fatalf("replayed money state %+v != %+v", replayed, r)
	}
	if !replayed.DueDate.Equal(r.DueDate) {
		t.Fatalf("replayed due date %v != %v", replayed.DueDate, r.DueDate)
	}
	if replayed.Version() != r.Version() {
		t.Fatalf("replayed version %d != %d", replayed.Version(), r.Version())
	}
}

func TestReservationApplySkipsUnknownEventType(t *testing.T) {
	r := newValidating(t)
	evt := &domain.Event{
		ID:          "evt-unknown",
		AggregateID: r.ID(),
		EventType:   "ReservationExtended",
		Version:     2,
		Data:        []byte(`{}`),
	}
	if err := Apply(r, evt); err != nil {
		t.Fatalf("unknown event type = %v, want nil", err)
	}
	if r.Status != StatusValidating {
		t.Fatalf("unknown event mutated status to %s", r.Status)
	}
}
