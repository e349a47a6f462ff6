// Package projection provides the generic SQL repository read models are
// built on: versioned updates that make redelivered events converge,
// soft-delete aware reads and offset pagination.
//
// Event handlers run inside the projection transaction (see pkg/sqlite);
// the repository joins it automatically via the context. Query handlers use
// the same repository outside any transaction.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/sqlite"
)

// Row gives the repository scan destinations for a row struct. fields are
// API field names in selection order; implementations switch per field and
// return a pointer into the struct for each.
type Row interface {
	Pointers(fields []string) []any
}

// Column maps one API field to its SQL column.
type Column struct {
	Field string
	Name  string
}

// Table describes a read-model table. Key and Version are SQL column names
// and must appear in Columns; Deleted is the soft-delete timestamp column
// and may be empty for tables without soft deletion. DefaultSort is an API
// field name; it orders reads descending when the caller does not sort.
type Table struct {
	Name        string
	Key         string
	Version     string
	Deleted     string
	DefaultSort string
	Columns     []Column
}

// UpdateOptions tune UpdateSimple.
type UpdateOptions struct {
	// ThrowIfNotFound turns a missing row into a NotFound error instead of
	// a logged warning.
	ThrowIfNotFound bool

	// WarnMessage replaces the default log message for a missing row.
	WarnMessage string
}

// Repository is a generic read-model repository for one table.
type Repository[T Row] struct {
	db      *sql.DB
	table   Table
	newRow  func() T
	fields  []string          // ordered API field names
	columns []string          // ordered SQL column names, parallel to fields
	byField map[string]string // API field -> SQL column
	logger  *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(c *repositoryConfig) { c.logger = logger }
}

// NewRepository validates the table description and builds a repository.
// newRow constructs an empty row struct for scanning.
func NewRepository[T Row](db *sql.DB, table Table, newRow func() T, opts ...RepositoryOption) (*Repository[T], error) {
	cfg := &repositoryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if table.Name == "" || table.Key == "" || table.Version == "" {
		return nil, eventsourcing.NewValidationError("INVALID_TABLE",
			"table name, key column and version column are required")
	}
	if len(table.Columns) == 0 {
		return nil, eventsourcing.NewValidationError("INVALID_TABLE",
			fmt.Sprintf("table %s declares no columns", table.Name))
	}

	r := &Repository[T]{
		db:      db,
		table:   table,
		newRow:  newRow,
		byField: make(map[string]string, len(table.Columns)),
		logger:  cfg.logger.With("component", "projection_repository", "table", table.Name),
	}
	haveKey, haveVersion := false, false
	for _, col := range table.Columns {
		if col.Field == "" || col.Name == "" {
			return nil, eventsourcing.NewValidationError("INVALID_TABLE",
				fmt.Sprintf("table %s has a column without field or name", table.Name))
		}
		if _, dup := r.byField[col.Field]; dup {
			return nil, eventsourcing.NewValidationError("INVALID_TABLE",
				fmt.Sprintf("table %s declares field %s twice", table.Name, col.Field))
		}
		r.byField[col.Field] = col.Name
		r.fields = append(r.fields, col.Field)
		r.columns = append(r.columns, col.Name)
		if col.Name == table.Key {
			haveKey = true
		}
		if col.Name == table.Version {
			haveVersion = true
		}
	}
	if !haveKey || !haveVersion {
		return nil, eventsourcing.NewValidationError("INVALID_TABLE",
			fmt.Sprintf("table %s must include its key and version columns", table.Name))
	}
	if table.DefaultSort != "" {
		if _, ok := r.byField[table.DefaultSort]; !ok {
			return nil, eventsourcing.NewValidationError("INVALID_TABLE",
				fmt.Sprintf("table %s default sort %q is not a declared field", table.Name, table.DefaultSort))
		}
	}
	return r, nil
}

// Save upserts the full row. On conflict the row only changes when the
// incoming version is newer, so replays and redeliveries converge.
func (r *Repository[T]) Save(ctx context.Context, row T) error {
	values := derefAll(row.Pointers(r.fields))

	var sets []string
	for _, col := range r.columns {
		if col == r.table.Key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s WHERE excluded.%s > %s.%s",
		r.table.Name,
		strings.Join(r.columns, ", "),
		placeholders(len(r.columns)),
		r.table.Key,
		strings.Join(sets, ", "),
		r.table.Version, r.table.Name, r.table.Version,
	)
	if _, err := r.conn(ctx).ExecContext(ctx, query, values...); err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

// UpdateVersioned applies the patch only when the stored version is older
// than newVersion. A row already at or past newVersion is a silent no-op; a
// missing row is NotFound.
func (r *Repository[T]) UpdateVersioned(ctx context.Context, id string, patch Patch, newVersion int64) error {
	sets, args, err := r.setClause(patch)
	if err != nil {
		return err
	}
	sets = append(sets, r.table.Version+" = ?")
	args = append(args, newVersion, id, newVersion)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s < ?",
		r.table.Name, strings.Join(sets, ", "), r.table.Key, r.table.Version)

	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	if affected > 0 {
		return nil
	}
	return r.classifyMiss(ctx, id)
}

// UpdateSimple applies the patch without a version guard. A missing row is
// either an error or a logged warning, per opts.
func (r *Repository[T]) UpdateSimple(ctx context.Context, id string, patch Patch, opts UpdateOptions) error {
	sets, args, err := r.setClause(patch)
	if err != nil {
		return err
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		r.table.Name, strings.Join(sets, ", "), r.table.Key)

	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	if affected > 0 {
		return nil
	}
	if opts.ThrowIfNotFound {
		return eventsourcing.NewNotFoundError("ROW_NOT_FOUND",
			fmt.Sprintf("%s %s not found", r.table.Name, id))
	}
	message := opts.WarnMessage
	if message == "" {
		message = "update target missing"
	}
	r.logger.Warn(message, "id", id)
	return nil
}

// MarkDeleted soft-deletes the row with the same version guard as
// UpdateVersioned. Reads stop returning it; the row itself stays.
func (r *Repository[T]) MarkDeleted(ctx context.Context, id string, newVersion int64, at time.Time) error {
	if r.table.Deleted == "" {
		return eventsourcing.NewValidationError("SOFT_DELETE_DISABLED",
			fmt.Sprintf("table %s has no soft-delete column", r.table.Name))
	}

	query := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s = ? AND %s < ?",
		r.table.Name, r.table.Deleted, r.table.Version, r.table.Key, r.table.Version)

	result, err := r.conn(ctx).ExecContext(ctx, query, at.Unix(), newVersion, id, newVersion)
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	if affected > 0 {
		return nil
	}
	return r.classifyMiss(ctx, id)
}

// FindOne returns the first row matching the filter, NotFound when nothing
// matches. fields selects a sparse column set.
func (r *Repository[T]) FindOne(ctx context.Context, filter Filter, fields ...string) (T, error) {
	var zero T

	selectFields, selectCols := r.resolveFields(fields)
	where, args, err := r.whereClause(filter, false)
	if err != nil {
		return zero, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s LIMIT 1",
		strings.Join(selectCols, ", "), r.table.Name, where)

	row := r.newRow()
	err = r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(row.Pointers(selectFields)...)
	if err == sql.ErrNoRows {
		return zero, eventsourcing.NewNotFoundError("ROW_NOT_FOUND",
			fmt.Sprintf("%s row not found", r.table.Name))
	}
	if err != nil {
		return zero, eventsourcing.WrapStorageFailure(err)
	}
	return row, nil
}

// FindMany returns all rows matching the filter, honoring sort, skip, limit
// and sparse field selection.
func (r *Repository[T]) FindMany(ctx context.Context, filter Filter, options FindOptions) ([]T, error) {
	selectFields, selectCols := r.resolveFields(options.Fields)
	where, args, err := r.whereClause(filter, options.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	order, err := r.orderClause(options.SortBy, options.SortOrder)
	if err != nil {
		return nil, err
	}

	limit := options.Limit
	if limit <= 0 {
		limit = -1
	}
	skip := options.Skip
	if skip < 0 {
		skip = 0
	}
	args = append(args, limit, skip)

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(selectCols, ", "), r.table.Name, where, order)

	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	defer rows.Close()

	results := []T{}
	for rows.Next() {
		row := r.newRow()
		if err := rows.Scan(row.Pointers(selectFields)...); err != nil {
			return nil, eventsourcing.WrapStorageFailure(err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, eventsourcing.WrapStorageFailure(err)
	}
	return results, nil
}

// Count returns the number of rows matching the filter, excluding
// soft-deleted rows.
func (r *Repository[T]) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := r.whereClause(filter, false)
	if err != nil {
		return 0, err
	}
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.table.Name, where)
	if err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, eventsourcing.WrapStorageFailure(err)
	}
	return count, nil
}

// ExecutePaginatedQuery runs a counted page query and wraps the rows in a
// pagination envelope. Page and limit are repaired when non-positive; the
// query boundary owns the configured cap.
func (r *Repository[T]) ExecutePaginatedQuery(ctx context.Context, filter Filter, query Query, fields ...string) (*Page[T], error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit <= 0 {
		query.Limit = DefaultPageLimit
	}

	total, err := r.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	rows, err := r.FindMany(ctx, filter, FindOptions{
		Skip:      (query.Page - 1) * query.Limit,
		Limit:     query.Limit,
		SortBy:    query.SortBy,
		SortOrder: query.SortOrder,
		Fields:    fields,
	})
	if err != nil {
		return nil, err
	}

	return &Page[T]{
		Data:       rows,
		Pagination: paginationFor(total, query.Page, query.Limit),
	}, nil
}

// conn joins the projection transaction when the context carries one.
func (r *Repository[T]) conn(ctx context.Context) dbtx {
	if tx, ok := sqlite.TxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// classifyMiss decides whether a zero-row update was a stale version (fine)
// or a missing row (NotFound).
func (r *Repository[T]) classifyMiss(ctx context.Context, id string) error {
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", r.table.Name, r.table.Key)
	err := r.conn(ctx).QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return eventsourcing.NewNotFoundError("ROW_NOT_FOUND",
			fmt.Sprintf("%s %s not found", r.table.Name, id))
	}
	if err != nil {
		return eventsourcing.WrapStorageFailure(err)
	}
	return nil
}

func (r *Repository[T]) column(field string) (string, error) {
	col, ok := r.byField[field]
	if !ok {
		return "", eventsourcing.NewValidationError("UNKNOWN_FIELD",
			fmt.Sprintf("table %s has no field %q", r.table.Name, field))
	}
	return col, nil
}

// resolveFields intersects the requested fields with the allow-list,
// silently dropping unknown names. Empty requests select everything.
func (r *Repository[T]) resolveFields(requested []string) (fields []string, cols []string) {
	if len(requested) == 0 {
		return r.fields, r.columns
	}
	for _, field := range requested {
		if col, ok := r.byField[field]; ok {
			fields = append(fields, field)
			cols = append(cols, col)
		}
	}
	if len(fields) == 0 {
		return r.fields, r.columns
	}
	return fields, cols
}

// whereClause renders the filter (AND semantics, deterministic order) plus
// the soft-delete condition.
func (r *Repository[T]) whereClause(filter Filter, includeDeleted bool) (string, []any, error) {
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var conds []string
	var args []any
	for _, key := range keys {
		col, err := r.column(key)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, col+" = ?")
		args = append(args, filter[key])
	}
	if r.table.Deleted != "" && !includeDeleted {
		conds = append(conds, r.table.Deleted+" IS NULL")
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (r *Repository[T]) setClause(patch Patch) ([]string, []any, error) {
	if len(patch) == 0 {
		return nil, nil, eventsourcing.NewValidationError("EMPTY_PATCH", "patch has no fields")
	}
	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sets []string
	var args []any
	for _, key := range keys {
		col, err := r.column(key)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, col+" = ?")
		args = append(args, patch[key])
	}
	return sets, args, nil
}

func (r *Repository[T]) orderClause(sortBy string, order SortOrder) (string, error) {
	field := sortBy
	defaulted := false
	if field == "" {
		field = r.table.DefaultSort
		defaulted = true
	}
	if field == "" {
		return r.table.Key + " ASC", nil
	}
	col, err := r.column(field)
	if err != nil {
		return "", err
	}
	if order == "" {
		if defaulted {
			order = SortDesc
		} else {
			order = SortAsc
		}
	}
	dir := "ASC"
	if order == SortDesc {
		dir = "DESC"
	}
	return col + " " + dir, nil
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ", ")
}

func derefAll(pointers []any) []any {
	values := make([]any, len(pointers))
	for i, p := range pointers {
		if p == nil {
			continue
		}
		values[i] = reflect.ValueOf(p).Elem().Interface()
	}
	return values
}
