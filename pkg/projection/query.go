package projection

// Filter matches rows by field value. Keys are API field names; all entries
// must match (AND). Unknown fields are rejected, a silently dropped filter
// would widen the result set.
type Filter map[string]any

// Patch assigns new values to fields. Keys are API field names; unknown
// fields are rejected.
type Patch map[string]any

// SortOrder directs a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FindOptions tune a FindMany.
//
// Fields selects a sparse column set; unknown names are dropped and an empty
// selection means all columns. SortBy defaults to the table's default sort
// descending. IncludeDeleted lifts the soft-delete filter.
type FindOptions struct {
	Skip           int
	Limit          int
	SortBy         string
	SortOrder      SortOrder
	Fields         []string
	IncludeDeleted bool
}

// Query is a page request as it arrives from the API boundary.
type Query struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder SortOrder
}

const (
	// DefaultPageLimit applies when a query does not name a page size.
	DefaultPageLimit = 20

	// MaxPageLimit caps the page size regardless of what was asked for.
	MaxPageLimit = 100
)

// Normalize clamps the query to sane bounds: page >= 1, limit in
// [1, maxLimit] with defaultLimit when unset. Non-positive caps fall back to
// the package defaults.
func (q Query) Normalize(defaultLimit, maxLimit int) Query {
	if defaultLimit <= 0 {
		defaultLimit = DefaultPageLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxPageLimit
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		q.SortOrder = ""
	}
	return q
}

// Pagination describes the page that was returned.
type Pagination struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Pages   int   `json:"pages"`
	HasNext bool  `json:"hasNext"`
	HasPrev bool  `json:"hasPrev"`
}

// Page is one page of rows with its pagination envelope.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// NewPagination computes the pagination envelope for a counted page. Read
// models with hand-written queries use it to return the same shape the
// generic repository does.
func NewPagination(total int64, page, limit int) Pagination {
	return paginationFor(total, page, limit)
}

func paginationFor(total int64, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1 && total > 0,
	}
}
