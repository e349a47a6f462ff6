package reservations

import (
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/validators"
)

// Command types routed over the command bus.
const (
	CommandTypeCreateReservation = "CreateReservation"
	CommandTypeBorrowReservation = "BorrowReservation"
	CommandTypeReturnReservation = "ReturnReservation"
	CommandTypeCancelReservation = "CancelReservation"
	CommandTypeDeleteReservation = "DeleteReservation"
)

// CreateReservationCommand starts the reservation saga. The ack reports the
// Validating state; the outcome arrives asynchronously and is read from the
// reservation history.
type CreateReservationCommand struct {
	UserID string `json:"userId"`
	BookID string `json:"bookId"`
}

func (c *CreateReservationCommand) ValidateFields() validators.FieldValidationResults {
	return validators.NewValidationBuilder().
		Add(validators.ValidateStringEmpty(c.UserID, "userId")).
		Add(validators.ValidateStringLength(c.UserID, "userId", 1, 128)).
		Add(validators.ValidateUUID("bookId", c.BookID)).
		Build()
}

// BorrowReservationCommand records the physical pickup of a reserved book.
type BorrowReservationCommand struct {
	ReservationID string `json:"reservationId"`
}

func (c *BorrowReservationCommand) ValidateFields() validators.FieldValidationResults {
	return validators.NewValidationBuilder().
		Add(validators.ValidateUUID("reservationId", c.ReservationID)).
		Build()
}

// ReturnReservationCommand closes the loan. A return past the due date
// triggers the late-fee settlement against the user's wallet.
type ReturnReservationCommand struct {
	ReservationID string `json:"reservationId"`
}

func (c *ReturnReservationCommand) ValidateFields() validators.FieldValidationResults {
	return validators.NewValidationBuilder().
		Add(validators.ValidateUUID("reservationId", c.ReservationID)).
		Build()
}

// CancelReservationCommand terminates a reservation on user request. Only
// pre-Reserved states can be cancelled; a reserved book is returned instead.
type CancelReservationCommand struct {
	ReservationID string `json:"reservationId"`
	Reason        string `json:"reason,omitempty"`
}

func (c *CancelReservationCommand) ValidateFields() validators.FieldValidationResults {
	b := validators.NewValidationBuilder().
		Add(validators.ValidateUUID("reservationId", c.ReservationID))
	if c.Reason != "" {
		b.Add(validators.ValidateStringLength(c.Reason, "reason", 1, 512))
	}
	return b.Build()
}

// DeleteReservationCommand soft-deletes a reservation (administrative). The
// stream stays; the view row is hidden from reads.
type DeleteReservationCommand struct {
	ReservationID string `json:"reservationId"`
}

func (c *DeleteReservationCommand) ValidateFields() validators.FieldValidationResults {
	return validators.NewValidationBuilder().
		Add(validators.ValidateUUID("reservationId", c.ReservationID)).
		Build()
}

// GetReservationHistoryQuery pages through a user's reservations, newest
// first by default. Status narrows to one lifecycle state.
type GetReservationHistoryQuery struct {
	UserID    string   `json:"userId"`
	Status    string   `json:"status,omitempty"`
	Page      int      `json:"page,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	SortBy    string   `json:"sortBy,omitempty"`
	SortOrder string   `json:"sortOrder,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

// HistoryPage is one page of a user's reservation history.
type HistoryPage = projection.Page[*ReservationDTO]

// ReservationDTO is the read-model shape returned by queries. Money fields
// are decimal strings; timestamps are RFC 3339. Unselected fields stay at
// their zero value and are omitted from the JSON.
type ReservationDTO struct {
	ID          string `json:"id,omitempty"`
	UserID      string `json:"userId,omitempty"`
	BookID      string `json:"bookId,omitempty"`
	Status      string `json:"status,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	RetailPrice string `json:"retailPrice,omitempty"`
	Fee         string `json:"fee,omitempty"`
	PaymentRef  string `json:"paymentRef,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DaysLate    int    `json:"daysLate,omitempty"`
	Version     int64  `json:"version,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}
