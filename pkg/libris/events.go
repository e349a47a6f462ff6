// Package libris defines the canonical event vocabulary shared by the
// bounded contexts: aggregate type names, event type names, payload shapes,
// and their codec registrations.
package libris

import (
	"time"

	"github.com/plaenen/libris/pkg/domain"
)

// Aggregate type names.
const (
	AggregateTypeBook        = "Book"
	AggregateTypeWallet      = "Wallet"
	AggregateTypeReservation = "Reservation"
)

// Persisted event types. The first event of each aggregate is its Created
// event.
const (
	EventTypeBookCreated = "BookCreated"
	EventTypeBookUpdated = "BookUpdated"
	EventTypeBookDeleted = "BookDeleted"

	EventTypeWalletCreated        = "WalletCreated"
	EventTypeWalletBalanceUpdated = "WalletBalanceUpdated"
	EventTypeWalletLateFeeApplied = "WalletLateFeeApplied"

	EventTypeReservationCreated        = "ReservationCreated"
	EventTypeReservationRetailPriceSet = "ReservationRetailPriceSet"
	EventTypeReservationPendingPayment = "ReservationPendingPayment"
	EventTypeReservationConfirmed      = "ReservationConfirmed"
	EventTypeReservationRejected       = "ReservationRejected"
	EventTypeReservationCancelled      = "ReservationCancelled"
	EventTypeReservationBookBorrowed   = "ReservationBookBorrowed"
	EventTypeReservationReturned       = "ReservationReturned"
	EventTypeReservationBookBrought    = "ReservationBookBrought"
	EventTypeReservationDeleted        = "ReservationDeleted"
)

// Transient coordination event types. These are published on the bus with
// version 0 and never appended to any stream.
const (
	EventTypeBookValidationRequested = "BookValidationRequested"
	EventTypeBookValidationResult    = "BookValidationResult"
	EventTypeWalletPaymentSuccess    = "WalletPaymentSuccess"
	EventTypeWalletPaymentDeclined   = "WalletPaymentDeclined"
)

// Rejection and decline reasons carried in saga payloads.
const (
	ReasonBookNotFound      = "BookNotFound"
	ReasonBookDeleted       = "BookDeleted"
	ReasonBookLimitReached  = "ReservationBookLimitReached"
	ReasonInsufficientFunds = "InsufficientFunds"
	ReasonWalletNotFound    = "WalletNotFound"
	ReasonCancelledByUser   = "CancelledByUser"
)

// PaymentMethodWallet is the only payment method the saga issues.
const PaymentMethodWallet = "WALLET"

// BookCreated is the first event of a Book stream. Price is in minor units.
type BookCreated struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	PublicationYear int    `json:"publicationYear"`
	Publisher       string `json:"publisher"`
	Price           int64  `json:"price"`
}

// BookUpdated carries only the fields that changed. ISBN is immutable and
// never appears here.
type BookUpdated struct {
	Title           *string `json:"title,omitempty"`
	Author          *string `json:"author,omitempty"`
	PublicationYear *int    `json:"publicationYear,omitempty"`
	Publisher       *string `json:"publisher,omitempty"`
	Price           *int64  `json:"price,omitempty"`
}

// BookDeleted terminates a Book stream.
type BookDeleted struct{}

// WalletCreated is the first event of a Wallet stream. Balance is in minor
// units.
type WalletCreated struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// WalletBalanceUpdated records a signed delta and the resulting balance.
// ReservationID is set when the debit pays a reservation fee; the wallet
// uses it to recognize a payment it already took.
type WalletBalanceUpdated struct {
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"`
	ReservationID string `json:"reservationId,omitempty"`
}

// WalletLateFeeApplied records a late-return settlement. BookPurchased is
// true when the accumulated fee reached the book's retail price.
type WalletLateFeeApplied struct {
	ReservationID string `json:"reservationId"`
	DaysLate      int    `json:"daysLate"`
	Fee           int64  `json:"fee"`
	BookPurchased bool   `json:"bookPurchased"`
	Balance       int64  `json:"balance"`
}

// ReservationCreated is the first event of a Reservation stream.
type ReservationCreated struct {
	UserID  string    `json:"userId"`
	BookID  string    `json:"bookId"`
	DueDate time.Time `json:"dueDate"`
}

// ReservationRetailPriceSet records the validated book's retail price on the
// reservation for later late-fee settlement.
type ReservationRetailPriceSet struct {
	RetailPrice int64 `json:"retailPrice"`
}

// ReservationPendingPayment requests the reservation fee from the user's
// wallet.
type ReservationPendingPayment struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

// ReservationConfirmed records a successful payment; the reservation is now
// Reserved.
type ReservationConfirmed struct {
	PaymentRef string `json:"paymentRef"`
	Method     string `json:"method"`
	Amount     int64  `json:"amount"`
}

// ReservationRejected terminates the saga before the book was reserved.
type ReservationRejected struct {
	Reason string `json:"reason"`
}

// ReservationCancelled terminates a reservation on user request.
type ReservationCancelled struct {
	Reason string `json:"reason,omitempty"`
}

// ReservationBookBorrowed records the physical pickup.
type ReservationBookBorrowed struct{}

// ReservationReturned records the return. DaysLate is zero for an on-time
// return; RetailPrice and UserID let the wallet settle a late fee without a
// cross-context lookup.
type ReservationReturned struct {
	UserID      string `json:"userId"`
	DaysLate    int    `json:"daysLate"`
	RetailPrice int64  `json:"retailPrice"`
}

// ReservationBookBrought records that the late fee covered the retail price
// and the user keeps the book.
type ReservationBookBrought struct{}

// ReservationDeleted soft-deletes a reservation (administrative).
type ReservationDeleted struct{}

// BookValidationRequested asks the Books context whether a book can be
// reserved.
type BookValidationRequested struct {
	ReservationID string `json:"reservationId"`
	BookID        string `json:"bookId"`
}

// BookValidationResult answers a validation request. RetailPrice is set only
// when the book is valid.
type BookValidationResult struct {
	ReservationID string `json:"reservationId"`
	BookID        string `json:"bookId"`
	IsValid       bool   `json:"isValid"`
	Reason        string `json:"reason,omitempty"`
	RetailPrice   int64  `json:"retailPrice,omitempty"`
}

// WalletPaymentSuccess reports a completed debit back to the saga.
type WalletPaymentSuccess struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	PaymentRef    string `json:"paymentRef"`
	Amount        int64  `json:"amount"`
}

// WalletPaymentDeclined reports a failed debit back to the saga. No wallet
// event is appended for a declined payment.
type WalletPaymentDeclined struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	Reason        string `json:"reason"`
}

func init() {
	domain.RegisterPayload(EventTypeBookCreated, 1, func() any { return &BookCreated{} })
	domain.RegisterPayload(EventTypeBookUpdated, 1, func() any { return &BookUpdated{} })
	domain.RegisterPayload(EventTypeBookDeleted, 1, func() any { return &BookDeleted{} })

	domain.RegisterPayload(EventTypeWalletCreated, 1, func() any { return &WalletCreated{} })
	domain.RegisterPayload(EventTypeWalletBalanceUpdated, 1, func() any { return &WalletBalanceUpdated{} })
	domain.RegisterPayload(EventTypeWalletLateFeeApplied, 1, func() any { return &WalletLateFeeApplied{} })

	domain.RegisterPayload(EventTypeReservationCreated, 1, func() any { return &ReservationCreated{} })
	domain.RegisterPayload(EventTypeReservationRetailPriceSet, 1, func() any { return &ReservationRetailPriceSet{} })
	domain.RegisterPayload(EventTypeReservationPendingPayment, 1, func() any { return &ReservationPendingPayment{} })
	domain.RegisterPayload(EventTypeReservationConfirmed, 1, func() any { return &ReservationConfirmed{} })
	domain.RegisterPayload(EventTypeReservationRejected, 1, func() any { return &ReservationRejected{} })
	domain.RegisterPayload(EventTypeReservationCancelled, 1, func() any { return &ReservationCancelled{} })
	domain.RegisterPayload(EventTypeReservationBookBorrowed, 1, func() any { return &ReservationBookBorrowed{} })
	domain.RegisterPayload(EventTypeReservationReturned, 1, func() any { return &ReservationReturned{} })
	domain.RegisterPayload(EventTypeReservationBookBrought, 1, func() any { return &ReservationBookBrought{} })
	domain.RegisterPayload(EventTypeReservationDeleted, 1, func() any { return &ReservationDeleted{} })

	domain.RegisterPayload(EventTypeBookValidationRequested, 1, func() any { return &BookValidationRequested{} })
	domain.RegisterPayload(EventTypeBookValidationResult, 1, func() any { return &BookValidationResult{} })
	domain.RegisterPayload(EventTypeWalletPaymentSuccess, 1, func() any { return &WalletPaymentSuccess{} })
	domain.RegisterPayload(EventTypeWalletPaymentDeclined, 1, func() any { return &WalletPaymentDeclined{} })
}
