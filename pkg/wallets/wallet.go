// Package wallets holds the Wallet write model: the aggregate, its commands
// and queries, and the event appliers used for rehydration.
package wallets

import (
	"fmt"

	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/libris"
)

// Wallet is the per-user balance aggregate. All amounts are in minor units
// and the balance never goes negative: debits that would overdraw are
// rejected, late fees are capped at what the wallet holds.
//
// The aggregate remembers which reservations it has already paid or been
// fined for, so a redelivered saga event settles to the same outcome instead
// of charging twice.
type Wallet struct {
	domain.AggregateRoot

	UserID  string
	Balance int64

	payments map[string]Payment
	lateFees map[string]bool
}

// Payment is a debit the wallet took for a reservation. Ref is the id of the
// balance event that recorded it and doubles as the payment reference the
// saga carries.
type Payment struct {
	Ref    string
	Amount int64
}

// New returns an empty Wallet ready for rehydration or creation.
func New(id string) *Wallet {
	return &Wallet{
		AggregateRoot: domain.NewAggregateRoot(id, libris.AggregateTypeWallet),
		payments:      make(map[string]Payment),
		lateFees:      make(map[string]bool),
	}
}

// Create emits the aggregate's first event.
func (w *Wallet) Create(userID string, balance int64) error {
	if w.Version() != 0 {
		return eventsourcing.NewConflictError("WALLET_ALREADY_EXISTS",
			fmt.Sprintf("wallet %s already exists at version %d", w.ID(), w.Version()))
	}
	if userID == "" {
		return eventsourcing.NewValidationError("EMPTY_USER_ID", "userId must not be empty")
	}
	if balance < 0 {
		return eventsourcing.NewValidationError("NEGATIVE_BALANCE", "opening balance must not be negative")
	}
	return w.emit(libris.EventTypeWalletCreated, &libris.WalletCreated{
		UserID:  userID,
		Balance: balance,
	})
}

// Debit takes a reservation fee from the balance. A wallet that cannot cover
// the full amount declines; a reservation that was already paid conflicts,
// callers should check PaymentFor first and re-announce the earlier payment.
func (w *Wallet) Debit(reservationID string, amount int64) error {
	if err := w.exists(); err != nil {
		return err
	}
	if reservationID == "" {
		return eventsourcing.NewValidationError("EMPTY_RESERVATION_ID", "reservationId must not be empty")
	}
	if amount <= 0 {
		return eventsourcing.NewValidationError("INVALID_AMOUNT", "debit amount must be positive")
	}
	if _, taken := w.payments[reservationID]; taken {
		return eventsourcing.NewConflictError("DUPLICATE_PAYMENT",
			fmt.Sprintf("reservation %s was already paid", reservationID))
	}
	if w.Balance < amount {
		return eventsourcing.NewConflictError("INSUFFICIENT_FUNDS",
			fmt.Sprintf("balance %d cannot cover %d", w.Balance, amount))
	}
	return w.emit(libris.EventTypeWalletBalanceUpdated, &libris.WalletBalanceUpdated{
		Amount:        -amount,
		Balance:       w.Balance - amount,
		ReservationID: reservationID,
	})
}

// Adjust applies a signed delta to the balance. Overdrawing adjustments are
// rejected like overdrawing debits.
func (w *Wallet) Adjust(delta int64) error {
	if err := w.exists(); err != nil {
		return err
	}
	if delta == 0 {
		return eventsourcing.ErrNoChanges
	}
	next := w.Balance + delta
	if next < 0 {
		return eventsourcing.NewConflictError("INSUFFICIENT_FUNDS",
			fmt.Sprintf("balance %d cannot cover adjustment %d", w.Balance, delta))
	}
	return w.emit(libris.EventTypeWalletBalanceUpdated, &libris.WalletBalanceUpdated{
		Amount:  delta,
		Balance: next,
	})
}

// ApplyLateFee settles a late return. The assessed fee is daysLate times
// feePerDay; the balance absorbs as much of it as it holds and stops at
// zero. When the assessed fee reaches the book's retail price the book
// counts as purchased. Each reservation is fined at most once.
func (w *Wallet) ApplyLateFee(reservationID string, daysLate int, retailPrice, feePerDay int64) error {
	if err := w.exists(); err != nil {
		return err
	}
	if reservationID == "" {
		return eventsourcing.NewValidationError("EMPTY_RESERVATION_ID", "reservationId must not be empty")
	}
	if daysLate <= 0 {
		return eventsourcing.NewValidationError("INVALID_DAYS_LATE", "daysLate must be positive")
	}
	if w.lateFees[reservationID] {
		return eventsourcing.NewConflictError("LATE_FEE_ALREADY_APPLIED",
			fmt.Sprintf("reservation %s was already fined", reservationID))
	}

	fee := int64(daysLate) * feePerDay
	next := w.Balance - fee
	if next < 0 {
		next = 0
	}
	return w.emit(libris.EventTypeWalletLateFeeApplied, &libris.WalletLateFeeApplied{
		ReservationID: reservationID,
		DaysLate:      daysLate,
		Fee:           fee,
		BookPurchased: retailPrice > 0 && fee >= retailPrice,
		Balance:       next,
	})
}

// PaymentFor reports the debit taken for a reservation, if any.
func (w *Wallet) PaymentFor(reservationID string) (Payment, bool) {
	payment, ok := w.payments[reservationID]
	return payment, ok
}

// HasLateFee reports whether a reservation was already fined.
func (w *Wallet) HasLateFee(reservationID string) bool {
	return w.lateFees[reservationID]
}

func (w *Wallet) exists() error {
	if w.Version() == 0 {
		return eventsourcing.NewNotFoundError("AGGREGATE_NOT_FOUND",
			fmt.Sprintf("wallet %s does not exist", w.ID()))
	}
	return nil
}

// emit buffers the event and folds it into the in-memory state. The freshly
// assigned event id is threaded into apply because payments are keyed on it.
func (w *Wallet) emit(eventType string, payload any) error {
	if err := w.ApplyChange(eventType, payload); err != nil {
		return err
	}
	buffered := w.UncommittedEvents()
	w.apply(payload, buffered[len(buffered)-1].ID)
	return nil
}

// apply is the single state-transition function shared by emit and the
// repository applier. It must stay free of validation: history is already
// validated.
func (w *Wallet) apply(payload any, eventID string) {
	switch p := payload.(type) {
	case *libris.WalletCreated:
		w.UserID = p.UserID
		w.Balance = p.Balance
	case *libris.WalletBalanceUpdated:
		w.Balance = p.Balance
		if p.ReservationID != "" {
			w.payments[p.ReservationID] = Payment{Ref: eventID, Amount: -p.Amount}
		}
	case *libris.WalletLateFeeApplied:
		w.Balance = p.Balance
		w.lateFees[p.ReservationID] = true
	}
}
