package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/books"
	"github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/config"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/projection"
)

// QueryHandler serves catalog reads from the book read model with a
// cache-aside layer in front. Projection handlers invalidate the keys on
// write, so entries only ever age out or get replaced by fresher reads.
// Request logging happens in the server middleware.
type QueryHandler struct {
	views *projections.BookViews
	cache cache.Cache
	cfg   config.Config
}

// NewQueryHandler wires the Book query side.
func NewQueryHandler(views *projections.BookViews, c cache.Cache, cfg config.Config) *QueryHandler {
	return &QueryHandler{
		views: views,
		cache: c,
		cfg:   cfg,
	}
}

// GetBook returns one book by id, restricted to the requested fields.
func (h *QueryHandler) GetBook(ctx context.Context, query *books.GetBookQuery) (*books.BookDTO, error) {
	if query.BookID == "" {
		return nil, eventsourcing.NewValidationError("EMPTY_BOOK_ID", "bookId is required")
	}

	fields := projections.ResolveFields(query.Fields)
	key := bookCacheKey(query.BookID, fields)
	if dto, ok := cache.GetJSON[*books.BookDTO](ctx, h.cache, key); ok {
		return dto, nil
	}

	view, err := h.views.Get(ctx, query.BookID, fields...)
	if err != nil {
		return nil, err
	}
	dto := bookDTO(view, fields)
	cache.SetJSON(ctx, h.cache, key, dto, h.cfg.CacheDefaultTTL)
	return dto, nil
}

// SearchCatalog pages through the catalog. The free-text term is matched
// case-folded against title, author and ISBN; author, publisher and year
// filter by equality.
func (h *QueryHandler) SearchCatalog(ctx context.Context, query *books.SearchCatalogQuery) (*books.CatalogPage, error) {
	page := projection.Query{
		Page:      query.Page,
		Limit:     query.Limit,
		SortBy:    query.SortBy,
		SortOrder: projection.SortOrder(query.SortOrder),
	}.Normalize(h.cfg.PaginationDefaultLimit, h.cfg.PaginationMaxLimit)

	filter := projections.CatalogFilter{
		Term:            query.Q,
		Author:          query.Author,
		Publisher:       query.Publisher,
		PublicationYear: query.PublicationYear,
	}
	fields := projections.ResolveFields(query.Fields)

	key := catalogCacheKey(filter, page, fields)
	if cached, ok := cache.GetJSON[*books.CatalogPage](ctx, h.cache, key); ok {
		return cached, nil
	}

	result, err := h.views.Search(ctx, filter, page, fields...)
	if err != nil {
		return nil, err
	}

	out := &books.CatalogPage{
		Data:       make([]*books.BookDTO, 0, len(result.Data)),
		Pagination: result.Pagination,
	}
	for _, view := range result.Data {
		out.Data = append(out.Data, bookDTO(view, fields))
	}
	cache.SetJSON(ctx, h.cache, key, out, h.cfg.CacheDefaultTTL)
	return out, nil
}

// bookCacheKey builds a canonical per-book key. The field selection is part
// of the key so sparse and full reads never serve each other; sorting makes
// equivalent selections collide.
func bookCacheKey(id string, fields []string) string {
	return projections.CacheKeyBook(id) + ":" + fieldsKey(fields)
}

func catalogCacheKey(filter projections.CatalogFilter, page projection.Query, fields []string) string {
	return projections.CacheKeyCatalog(fmt.Sprintf("q=%s:author=%s:publisher=%s:year=%d:page=%d:limit=%d:sort=%s,%s:%s",
		filter.Term, filter.Author, filter.Publisher, filter.PublicationYear,
		page.Page, page.Limit, page.SortBy, page.SortOrder, fieldsKey(fields)))
}

func fieldsKey(fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return "fields=" + strings.Join(sorted, ",")
}

// bookDTO maps a view row onto the wire shape, honoring the field selection.
func bookDTO(view *projections.BookView, fields []string) *books.BookDTO {
	selected := make(map[string]bool, len(fields))
	for _, f := range fields {
		selected[f] = true
	}
	dto := &books.BookDTO{}
	if selected[projections.FieldID] {
		dto.ID = view.ID
	}
	if selected[projections.FieldISBN] {
		dto.ISBN = view.ISBN
	}
	if selected[projections.FieldTitle] {
		dto.Title = view.Title
	}
	if selected[projections.FieldAuthor] {
		dto.Author = view.Author
	}
	if selected[projections.FieldPublicationYear] {
		dto.PublicationYear = view.PublicationYear
	}
	if selected[projections.FieldPublisher] {
		dto.Publisher = view.Publisher
	}
	if selected[projections.FieldPrice] {
		dto.Price = config.FormatMinorUnits(view.Price)
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
