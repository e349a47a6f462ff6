// Package projections maintains the reservation_views read model: one row
// per reservation, the event handlers that move it through the saga states,
// and the user-scoped cache keys the query side shares.
package projections

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/reservations"
)

// API field names of the reservation view.
const (
	FieldID          = "id"
	FieldUserID      = "userId"
	FieldBookID      = "bookId"
	FieldStatus      = "status"
	FieldDueDate     = "dueDate"
	FieldRetailPrice = "retailPrice"
	FieldFee         = "fee"
	FieldPaymentRef  = "paymentRef"
	FieldReason      = "reason"
	FieldDaysLate    = "daysLate"
	FieldVersion     = "version"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
)

// CacheKeyHistory is the cache key for one page of a user's history.
func CacheKeyHistory(userID, suffix string) string {
	return "reservation:user:" + userID + ":history:" + suffix
}

// CacheKeyUserPattern matches every cached read scoped to one user.
func CacheKeyUserPattern(userID string) string {
	return "reservation:user:" + userID + ":*"
}

// ReservationView is one row of reservation_views. Money is in minor units;
// timestamps, the due date included, are unix seconds.
type ReservationView struct {
	ID          string
	UserID      string
	BookID      string
	Status      string
	DueDate     int64
	RetailPrice int64
	Fee         int64
	PaymentRef  string
	Reason      string
	DaysLate    int
	Version     int64
	CreatedAt   int64
	UpdatedAt   int64
}

func (v *ReservationView) Pointers(fields []string) []any {
	out := make([]any, len(fields))
	for i, field := range fields {
		switch field {
		case FieldID:
			out[i] = &v.ID
		case FieldUserID:
			out[i] = &v.UserID
		case FieldBookID:
			out[i] = &v.BookID
		case FieldStatus:
			out[i] = &v.Status
		case FieldDueDate:
			out[i] = &v.DueDate
		case FieldRetailPrice:
			out[i] = &v.RetailPrice
		case FieldFee:
			out[i] = &v.Fee
		case FieldPaymentRef:
			out[i] = &v.PaymentRef
		case FieldReason:
			out[i] = &v.Reason
		case FieldDaysLate:
			out[i] = &v.DaysLate
		case FieldVersion:
			out[i] = &v.Version
		case FieldCreatedAt:
			out[i] = &v.CreatedAt
		case FieldUpdatedAt:
			out[i] = &v.UpdatedAt
		}
	}
	return out
}

var reservationColumns = []projection.Column{
	{Field: FieldID, Name: "reservation_id"},
	{Field: FieldUserID, Name: "user_id"},
	{Field: FieldBookID, Name: "book_id"},
	{Field: FieldStatus, Name: "status"},
	{Field: FieldDueDate, Name: "due_date"},
	{Field: FieldRetailPrice, Name: "retail_price"},
	{Field: FieldFee, Name: "fee"},
	{Field: FieldPaymentRef, Name: "payment_ref"},
	{Field: FieldReason, Name: "reason"},
	{Field: FieldDaysLate, Name: "days_late"},
	{Field: FieldVersion, Name: "version"},
	{Field: FieldCreatedAt, Name: "created_at"},
	{Field: FieldUpdatedAt, Name: "updated_at"},
}

func reservationTable() projection.Table {
	return projection.Table{
		Name:        "reservation_views",
		Key:         "reservation_id",
		Version:     "version",
		Deleted:     "deleted_at",
		DefaultSort: FieldCreatedAt,
		Columns:     reservationColumns,
	}
}

// ResolveFields intersects a requested field selection with the view's
// fields, dropping unknown names. An empty or fully unknown selection means
// every field.
func ResolveFields(requested []string) []string {
	if len(requested) == 0 {
		return allFields()
	}
	var fields []string
	for _, f := range requested {
		for _, col := range reservationColumns {
			if col.Field == f {
				fields = append(fields, f)
				break
			}
		}
	}
	if len(fields) == 0 {
		return allFields()
	}
	return fields
}

func allFields() []string {
	fields := make([]string, len(reservationColumns))
	for i, col := range reservationColumns {
		fields[i] = col.Field
	}
	return fields
}

// ReservationViews reads and maintains the reservation read model. The
// embedded generic repository covers keyed access and the history pages; the
// multi-status queries below need SQL the generic filter cannot express.
type ReservationViews struct {
	*projection.Repository[*ReservationView]
	db *sql.DB
}

// NewReservationViews builds the read-model repository. The table must
// already be migrated; the projection builder in this package does that.
func NewReservationViews(db *sql.DB, opts ...projection.RepositoryOption) (*ReservationViews, error) {
	repo, err := projection.NewRepository(db, reservationTable(), func() *ReservationView { return &ReservationView{} }, opts...)
	if err != nil {
		return nil, err
	}
	return &ReservationViews{Repository: repo, db: db}, nil
}

// Get returns one live reservation by id.
func (v *ReservationViews) Get(ctx context.Context, id string, fields ...string) (*ReservationView, error) {
	return v.FindOne(ctx, projection.Filter{FieldID: id}, fields...)
}

// OwnerOf returns the user owning a reservation, soft-deleted rows
// included. Cache invalidation uses it to map a reservation event back to
// the user-scoped keys.
func (v *ReservationViews) OwnerOf(ctx context.Context, id string) (string, error) {
	rows, err := v.FindMany(ctx, projection.Filter{FieldID: id}, projection.FindOptions{
		IncludeDeleted: true,
		Limit:          1,
		Fields:         []string{FieldUserID},
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", eventsourcing.NewNotFoundError("RESERVATION_NOT_FOUND", "reservation "+id+" has no view row")
	}
	return rows[0].UserID, nil
}

// History pages through one user's reservations. Status narrows to a single
// lifecycle state. The page is assumed normalized by the query boundary.
func (v *ReservationViews) History(ctx context.Context, userID, status string, page projection.Query, fields ...string) (*projection.Page[*ReservationView], error) {
	filter := projection.Filter{FieldUserID: userID}
	if status != "" {
		filter[FieldStatus] = status
	}
	return v.ExecutePaginatedQuery(ctx, filter, page, fields...)
}

// CountActiveForUser counts the reservations holding one of the active
// statuses. The saga checks it against the per-user limit; a reservation
// still in Validating does not count.
func (v *ReservationViews) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	query := "SELECT COUNT(*) FROM reservation_views WHERE user_id = ? AND deleted_at IS NULL AND status IN (" +
		statusPlaceholders() + ")"
	args := []any{userID}
	for _, status := range reservations.ActiveStatuses {
		args = append(args, string(status))
	}
	var count int64
	if err := v.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	return count, nil
}

// FindPendingOlderThan returns in-flight reservations (Validating or
// PendingPayment) last touched at or before cutoff, oldest first. A reaper
// job feeds these back into Cancel; the job itself lives outside this
// package.
func (v *ReservationViews) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*ReservationView, error) {
	query := "SELECT reservation_id, user_id, book_id, status, updated_at FROM reservation_views " +
		"WHERE deleted_at IS NULL AND status IN (?, ?) AND updated_at <= ? ORDER BY updated_at ASC"
	args := []any{string(reservations.StatusValidating), string(reservations.StatusPendingPayment), cutoff.Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	defer rows.Close()

	var out []*ReservationView
	for rows.Next() {
		view := &ReservationView{}
		if err := rows.Scan(&view.ID, &view.UserID, &view.BookID, &view.Status, &view.UpdatedAt); err != nil {
			return nil, eventsourcing.WrapStorageFailure(err)
		}
		out = append(out, view)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	return out, nil
}

func statusPlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(reservations.ActiveStatuses)), ", ")
}
