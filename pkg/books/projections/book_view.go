// Package projections maintains the Books read model: the book_views table,
// its event handlers and the cache keys the query side shares.
package projections

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/projection"
)

// API field names of the book view.
const (
	FieldID              = "id"
	FieldISBN            = "isbn"
	FieldTitle           = "title"
	FieldAuthor          = "author"
	FieldPublicationYear = "publicationYear"
	FieldPublisher       = "publisher"
	FieldPrice           = "price"
	FieldVersion         = "version"
	FieldCreatedAt       = "createdAt"
	FieldUpdatedAt       = "updatedAt"
)

// Cache keys owned by the Books read model.
const (
	// CacheKeyCatalogAll matches every cached catalog page.
	CacheKeyCatalogAll = "catalog:list:*"
)

// CacheKeyBook is the cache key for a full single-book read.
func CacheKeyBook(id string) string {
	return "book:get:" + id
}

// CacheKeyBookPattern matches every cached variant of one book, including
// sparse field selections.
func CacheKeyBookPattern(id string) string {
	return "book:get:" + id + "*"
}

// CacheKeyCatalog is the cache key for one catalog page.
func CacheKeyCatalog(suffix string) string {
	return "catalog:list:" + suffix
}

// BookView is one row of book_views. Price is in minor units; timestamps
// are unix seconds.
type BookView struct {
	ID              string
	ISBN            string
	Title           string
	Author          string
	PublicationYear int
	Publisher       string
	Price           int64
	Version         int64
	CreatedAt       int64
	UpdatedAt       int64
}

func (v *BookView) Pointers(fields []string) []any {
	out := make([]any, len(fields))
	for i, field := range fields {
		switch field {
		case FieldID:
			out[i] = &v.ID
		case FieldISBN:
			out[i] = &v.ISBN
		case FieldTitle:
			out[i] = &v.Title
		case FieldAuthor:
			out[i] = &v.Author
		case FieldPublicationYear:
			out[i] = &v.PublicationYear
		case FieldPublisher:
			out[i] = &v.Publisher
		case FieldPrice:
			out[i] = &v.Price
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

var bookColumns = []projection.Column{
	{Field: FieldID, Name: "book_id"},
	{Field: FieldISBN, Name: "isbn"},
	{Field: FieldTitle, Name: "title"},
	{Field: FieldAuthor, Name: "author"},
	{Field: FieldPublicationYear, Name: "publication_year"},
	{Field: FieldPublisher, Name: "publisher"},
	{Field: FieldPrice, Name: "price"},
	{Field: FieldVersion, Name: "version"},
	{Field: FieldCreatedAt, Name: "created_at"},
	{Field: FieldUpdatedAt, Name: "updated_at"},
}

func bookTable() projection.Table {
	return projection.Table{
		Name:        "book_views",
		Key:         "book_id",
		Version:     "version",
		Deleted:     "deleted_at",
		DefaultSort: FieldCreatedAt,
		Columns:     bookColumns,
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
		for _, col := range bookColumns {
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
	fields := make([]string, len(bookColumns))
	for i, col := range bookColumns {
		fields[i] = col.Field
	}
	return fields
}

// BookViews reads and maintains the book read model. The embedded generic
// repository covers keyed access; the catalog search below needs SQL the
// generic filter cannot express.
type BookViews struct {
	*projection.Repository[*BookView]
	db *sql.DB
}

// NewBookViews builds the read-model repository. The table must already be
// migrated; the projection builder in this package does that.
func NewBookViews(db *sql.DB, opts ...projection.RepositoryOption) (*BookViews, error) {
	repo, err := projection.NewRepository(db, bookTable(), func() *BookView { return &BookView{} }, opts...)
	if err != nil {
		return nil, err
	}
	return &BookViews{Repository: repo, db: db}, nil
}

// Get returns one live book by id.
func (v *BookViews) Get(ctx context.Context, id string, fields ...string) (*BookView, error) {
	return v.FindOne(ctx, projection.Filter{FieldID: id}, fields...)
}

// FindByISBN returns the live book carrying the ISBN. Soft-deleted books do
// not count, their ISBN is free for re-registration.
func (v *BookViews) FindByISBN(ctx context.Context, isbn string) (*BookView, error) {
	return v.FindOne(ctx, projection.Filter{FieldISBN: isbn})
}

// DeletedExists reports whether id names a soft-deleted book, letting
// callers distinguish "deleted" from "never existed".
func (v *BookViews) DeletedExists(ctx context.Context, id string) (bool, error) {
	rows, err := v.FindMany(ctx, projection.Filter{FieldID: id}, projection.FindOptions{
		IncludeDeleted: true,
		Limit:          1,
		Fields:         []string{FieldID},
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// CatalogFilter narrows a catalog search. Term is matched case-folded
// against title, author and ISBN; the remaining fields are exact matches.
type CatalogFilter struct {
	Term            string
	Author          string
	Publisher       string
	PublicationYear int
}

// Search pages through the catalog. The page is assumed normalized by the
// query boundary.
func (v *BookViews) Search(ctx context.Context, filter CatalogFilter, page projection.Query, fields ...string) (*projection.Page[*BookView], error) {
	if filter.Term == "" {
		eq := projection.Filter{}
		if filter.Author != "" {
			eq[FieldAuthor] = filter.Author
		}
		if filter.Publisher != "" {
			eq[FieldPublisher] = filter.Publisher
		}
		if filter.PublicationYear != 0 {
			eq[FieldPublicationYear] = filter.PublicationYear
		}
		return v.ExecutePaginatedQuery(ctx, eq, page, fields...)
	}

	conds := []string{"deleted_at IS NULL", `search_text LIKE ? ESCAPE '\'`}
	args := []any{"%" + escapeLike(fold(filter.Term)) + "%"}
	if filter.Author != "" {
		conds = append(conds, "author = ?")
		args = append(args, filter.Author)
	}
	if filter.Publisher != "" {
		conds = append(conds, "publisher = ?")
		args = append(args, filter.Publisher)
	}
	if filter.PublicationYear != 0 {
		conds = append(conds, "publication_year = ?")
		args = append(args, filter.PublicationYear)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM book_views"+where, args...).Scan(&total); err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}

	selected := ResolveFields(fields)
	cols := make([]string, len(selected))
	for i, f := range selected {
		cols[i] = columnFor(f)
	}
	order, err := searchOrder(page)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM book_views%s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(cols, ", "), where, order)
	args = append(args, page.Limit, (page.Page-1)*page.Limit)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	defer rows.Close()

	results := []*BookView{}
	for rows.Next() {
		row := &BookView{}
		if err := rows.Scan(row.Pointers(selected)...); err != nil {
			return nil, eventsourcing.WrapStorageFailure(err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}

	return &projection.Page[*BookView]{
		Data:       results,
		Pagination: projection.NewPagination(total, page.Page, page.Limit),
	}, nil
}

func searchOrder(page projection.Query) (string, error) {
	field := page.SortBy
	order := page.SortOrder
	if field == "" {
		field = FieldCreatedAt
		if order == "" {
			order = projection.SortDesc
		}
	}
	col := columnFor(field)
	if col == "" {
		return "", eventsourcing.NewValidationError("UNKNOWN_FIELD",
			fmt.Sprintf("cannot sort catalog by %q", field))
	}
	dir := "ASC"
	if order == projection.SortDesc {
		dir = "DESC"
	}
	return col + " " + dir, nil
}

func columnFor(field string) string {
	for _, col := range bookColumns {
		if col.Field == field {
			return col.Name
		}
	}
	return ""
}

// fold lower-cases with full Unicode case folding so "Hofstadter" matches
// "HOFSTADTER" and "Gödel" matches "GÖDEL".
func fold(s string) string {
	return cases.Fold().String(s)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
