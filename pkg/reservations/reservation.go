// Package reservations holds the Reservation write model: the aggregate and
// its status machine, commands and queries, and the event appliers used for
// rehydration.
package reservations

import (
	"fmt"
	"time"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
)

// Status is a reservation's position in its lifecycle.
type Status string

const (
	// StatusValidating waits for the Books context to confirm the book.
	StatusValidating Status = "Validating"
	// StatusPendingPayment waits for the wallet to take the fee.
	StatusPendingPayment Status = "PendingPayment"
	// StatusReserved holds the book for pickup.
	StatusReserved Status = "Reserved"
	// StatusBorrowed tracks a picked-up book until return.
	StatusBorrowed Status = "Borrowed"
	// StatusReturned is the on-time happy end.
	StatusReturned Status = "Returned"
	// StatusLate is a settled overdue return.
	StatusLate Status = "Late"
	// StatusBrought means the late fee covered the price; the reader keeps
	// the book.
	StatusBrought Status = "Brought"
	// StatusRejected terminates the saga before the book was reserved.
	StatusRejected Status = "Rejected"
	// StatusCancelled terminates on user request before pickup.
	StatusCancelled Status = "Cancelled"
)

// ActiveStatuses are the states that count against the per-user limit.
var ActiveStatuses = []Status{StatusPendingPayment, StatusReserved, StatusBorrowed}

// Reservation orchestrates one book loan. All money fields are minor units.
type Reservation struct {
	domain.AggregateRoot

	UserID      string
	BookID      string
	Status      Status
	DueDate     time.Time
	RetailPrice int64
	Fee         int64
	PaymentRef  string
	Reason      string
	DaysLate    int
	Deleted     bool
}

// New returns an empty Reservation ready for rehydration or creation.
func New(id string) *Reservation {
	return &Reservation{AggregateRoot: domain.NewAggregateRoot(id, libris.AggregateTypeReservation)}
}

// Create emits the aggregate's first event and starts validation. The due
// date is fixed at creation; late-fee math happens against it at return.
func (r *Reservation) Create(userID, bookID string, dueDate time.Time) error {
	if r.Version() != 0 {
		return eventsourcing.NewConflictError("RESERVATION_ALREADY_EXISTS",
			fmt.Sprintf("reservation %s already exists at version %d", r.ID(), r.Version()))
	}
	if userID == "" {
		return eventsourcing.NewValidationError("EMPTY_USER_ID", "userId must not be empty")
	}
	if bookID == "" {
		return eventsourcing.NewValidationError("EMPTY_BOOK_ID", "bookId must not be empty")
	}
	if dueDate.IsZero() {
		return eventsourcing.NewValidationError("EMPTY_DUE_DATE", "dueDate must be set")
	}
	return r.emit(libris.EventTypeReservationCreated, &libris.ReservationCreated{
		UserID:  userID,
		BookID:  bookID,
		DueDate: dueDate,
	})
}

// SetRetailPrice records the validated book's price for late-fee settlement.
func (r *Reservation) SetRetailPrice(price int64) error {
	if err := r.inState(StatusValidating); err != nil {
		return err
	}
	if price < 0 {
		return eventsourcing.NewValidationError("NEGATIVE_PRICE", "retail price must not be negative")
	}
	return r.emit(libris.EventTypeReservationRetailPriceSet, &libris.ReservationRetailPriceSet{
		RetailPrice: price,
	})
}

// RequestPayment asks the wallet for the reservation fee.
func (r *Reservation) RequestPayment(amount int64) error {
	if err := r.inState(StatusValidating); err != nil {
		return err
	}
	if amount <= 0 {
		return eventsourcing.NewValidationError("INVALID_AMOUNT", "fee must be positive")
	}
	return r.emit(libris.EventTypeReservationPendingPayment, &libris.ReservationPendingPayment{
		UserID: r.UserID,
		Amount: amount,
	})
}

// Confirm records the payment; the book is now reserved.
func (r *Reservation) Confirm(paymentRef, method string, amount int64) error {
	if err := r.inState(StatusPendingPayment); err != nil {
		return err
	}
	return r.emit(libris.EventTypeReservationConfirmed, &libris.ReservationConfirmed{
		PaymentRef: paymentRef,
		Method:     method,
		Amount:     amount,
	})
}

// Reject terminates the saga. Only pre-Reserved states can be rejected.
func (r *Reservation) Reject(reason string) error {
	if err := r.inState(StatusValidating, StatusPendingPayment); err != nil {
		return err
	}
	return r.emit(libris.EventTypeReservationRejected, &libris.ReservationRejected{
		Reason: reason,
	})
}

// Borrow records the physical pickup.
func (r *Reservation) Borrow() error {
	if err := r.inState(StatusReserved); err != nil {
		return err
	}
	return r.emit(libris.EventTypeReservationBookBorrowed, &libris.ReservationBookBorrowed{})
}

// Cancel terminates on user request. Once the book is reserved the user
// returns it instead.
func (r *Reservation) Cancel(reason string) error {
	if err := r.inState(StatusValidating, StatusPendingPayment); err != nil {
		return err
	}
	if reason == "" {
		reason = libris.ReasonCancelledByUser
	}
	return r.emit(libris.EventTypeReservationCancelled, &libris.ReservationCancelled{
		Reason: reason,
	})
}

// Return closes the loan. Days late are whole 24h periods past the due
// date; the event carries the user and retail price so the wallet can
// settle a fee without a cross-context lookup.
func (r *Reservation) Return() error {
	if err := r.inState(StatusReserved, StatusBorrowed); err != nil {
		return err
	}
	daysLate := 0
	if overdue := domain.Now().Sub(r.DueDate); overdue > 0 {
		daysLate = int(overdue / (24 * time.Hour))
	}
	return r.emit(libris.EventTypeReservationReturned, &libris.ReservationReturned{
		UserID:      r.UserID,
		DaysLate:    daysLate,
		RetailPrice: r.RetailPrice,
	})
}

// MarkBookBrought records that the late fee reached the retail price and the
// reader keeps the book.
func (r *Reservation) MarkBookBrought() error {
	if err := r.inState(StatusLate); err != nil {
		return err
	}
	return r.emit(libris.EventTypeReservationBookBrought, &libris.ReservationBookBrought{})
}

// Delete soft-deletes the reservation (administrative). Any state can be
// deleted, once.
func (r *Reservation) Delete() error {
	if r.Version() == 0 {
		return eventsourcing.NewNotFoundError("AGGREGATE_NOT_FOUND",
			fmt.Sprintf("reservation %s does not exist", r.ID()))
	}
	if r.Deleted {
		return eventsourcing.ErrAlreadyDeleted
	}
	return r.emit(libris.EventTypeReservationDeleted, &libris.ReservationDeleted{})
}

// inState guards a transition.
func (r *Reservation) inState(allowed ...Status) error {
	if r.Version() == 0 {
		return eventsourcing.NewNotFoundError("AGGREGATE_NOT_FOUND",
			fmt.Sprintf("reservation %s does not exist", r.ID()))
	}
	if r.Deleted {
		return eventsourcing.ErrAlreadyDeleted
	}
	for _, status := range allowed {
		if r.Status == status {
			return nil
		}
	}
	return eventsourcing.NewConflictError("INVALID_STATE",
		fmt.Sprintf("reservation %s is %s", r.ID(), r.Status))
}

func (r *Reservation) emit(eventType string, payload any) error {
	if err := r.ApplyChange(eventType, payload); err != nil {
		return err
	}
	r.apply(payload)
	return nil
}

// apply is the single state-transition function shared by emit and the
// repository applier. It must stay free of validation: history is already
// validated.
func (r *Reservation) apply(payload any) {
	switch p := payload.(type) {
	case *libris.ReservationCreated:
		r.UserID = p.UserID
		r.BookID = p.BookID
		r.DueDate = p.DueDate
		r.Status = StatusValidating
	case *libris.ReservationRetailPriceSet:
		r.RetailPrice = p.RetailPrice
	case *libris.ReservationPendingPayment:
		r.Status = StatusPendingPayment
		r.Fee = p.Amount
	case *libris.ReservationConfirmed:
		r.Status = StatusReserved
		r.PaymentRef = p.PaymentRef
	case *libris.ReservationRejected:
		r.Status = StatusRejected
		r.Reason = p.Reason
	case *libris.ReservationCancelled:
		r.Status = StatusCancelled
		r.Reason = p.Reason
	case *libris.ReservationBookBorrowed:
		r.Status = StatusBorrowed
	case *libris.ReservationReturned:
		r.DaysLate = p.DaysLate
		if p.DaysLate > 0 {
			r.Status = StatusLate
		} else {
			r.Status = StatusReturned
		}
	case *libris.ReservationBookBrought:
		r.Status = StatusBrought
	case *libris.ReservationDeleted:
		r.Deleted = true
	}
}
