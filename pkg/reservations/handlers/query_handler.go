package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/projection"
	"github.com/plaenen/libris/pkg/reservations"
	"github.com/plaenen/libris/pkg/reservations/projections"
)

// QueryHandler serves reservation reads with a cache-aside layer keyed per
// user. Projection handlers invalidate a user's keys on every reservation
// event, so entries only ever age out or get replaced by fresher reads.
// Request logging happens in the server middleware.
type QueryHandler struct {
	views *projections.ReservationViews
	cache cache.Cache
	cfg   config.Config
}

// NewQueryHandler wires the Reservation query side.
func NewQueryHandler(views *projections.ReservationViews, c cache.Cache, cfg config.Config) *QueryHandler {
	return &QueryHandler{
		views: views,
		cache: c,
		cfg:   cfg,
	}
}

// GetReservationHistory pages through one user's reservations, newest first
// by default. Status narrows to a single lifecycle state; an unknown status
// simply matches nothing.
func (h *QueryHandler) GetReservationHistory(ctx context.Context, query *reservations.GetReservationHistoryQuery) (*reservations.HistoryPage, error) {
	if query.UserID == "" {
		return nil, eventsourcing.NewValidationError("EMPTY_USER_ID", "userId is required")
	}

	page := projection.Query{
		Page:      query.Page,
		Limit:     query.Limit,
		SortBy:    query.SortBy,
		SortOrder: projection.SortOrder(query.SortOrder),
	}.Normalize(h.cfg.PaginationDefaultLimit, h.cfg.PaginationMaxLimit)
	fields := projections.ResolveFields(query.Fields)

	key := historyCacheKey(query.UserID, query.Status, page, fields)
	if cached, ok := cache.GetJSON[*reservations.HistoryPage](ctx, h.cache, key); ok {
		return cached, nil
	}

	result, err := h.views.History(ctx, query.UserID, query.Status, page, fields...)
	if err != nil {
		return nil, err
	}

	out := &reservations.HistoryPage{
		Data:       make([]*reservations.ReservationDTO, 0, len(result.Data)),
		Pagination: result.Pagination,
	}
	for _, view := range result.Data {
		out.Data = append(out.Data, reservationDTO(view, fields))
	}
	cache.SetJSON(ctx, h.cache, key, out, h.cfg.CacheDefaultTTL)
	return out, nil
}

// historyCacheKey builds a canonical per-user page key. The field selection
// is part of the key so sparse and full reads never serve each other.
func historyCacheKey(userID, status string, page projection.Query, fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return projections.CacheKeyHistory(userID,
		fmt.Sprintf("status=%s:page=%d:limit=%d:sort=%s,%s:fields=%s",
			status, page.Page, page.Limit, page.SortBy, page.SortOrder,
			strings.Join(sorted, ",")))
}

func reservationDTO(view *projections.ReservationView, fields []string) *reservations.ReservationDTO {
	selected := make(map[string]bool, len(fields))
	for _, f := range fields {
		selected[f] = true
	}
	dto := &reservations.ReservationDTO{}
	if selected[projections.FieldID] {
		dto.ID = view.ID
	}
	if selected[projections.FieldUserID] {
		dto.UserID = view.UserID
	}
	if selected[projections.FieldBookID] {
		dto.BookID = view.BookID
	}
	if selected[projections.FieldStatus] {
		dto.Status = view.Status
	}
	if selected[projections.FieldDueDate] && view.DueDate != 0 {
		dto.DueDate = time.Unix(view.DueDate, 0).UTC().Format(time.RFC3339)
	}
	if selected[projections.FieldRetailPrice] && view.RetailPrice != 0 {
		dto.RetailPrice = config.FormatMinorUnits(view.RetailPrice)
	}
	if selected[projections.FieldFee] && view.Fee != 0 {
		dto.Fee = config.FormatMinorUnits(view.Fee)
	}
	if selected[projections.FieldPaymentRef] {
		dto.PaymentRef = view.PaymentRef
	}
	if selected[projections.FieldReason] {
		dto.Reason = view.Reason
	}
	if selected[projections.FieldDaysLate] {
		dto.DaysLate = view.DaysLate
	}
	if selected[projections.FieldVersion] {
		dto.Version = view.Version
	}
	if selected[projections.FieldCreatedAt] {
		dto.CreatedAt = time.Unix(view.CreatedAt, 0).UTC().Format(time.RFC3339)
	}
	if selected[projections.FieldUpdatedAt] {
		dto.UpdatedAt = time.Unix(view.UpdatedAt, 0).UTC().Format(time.RFC3339)
	}
	return dto
}
