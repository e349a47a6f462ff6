package projections_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/libris/pkg/books"
	"github.com/plaenen/libris/pkg/books/projections"
	"github.com/plaenen/libris/pkg/cache"
	"github.com/plaenen/libris/pkg/domain"
	"github.com/plaenen/libris/pkg/eventsourcing"
	"github.com/plaenen/libris/pkg/projection"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func TestMain(m *testing.M) {
	domain.TimeFunc = func() time.Time { return fixedNow }
	m.Run()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	views      *projections.BookViews
	projection eventsourcing.Projection
	cache      *cache.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	views, err := projections.NewBookViews(db)
	if err != nil {
		t.Fatalf("new views: %v", err)
	}
	memory := cache.NewMemory(time.Minute)
	proj, err := projections.NewProjection(context.Background(), db, views, nil, memory, discardLogger())
	if err != nil {
		t.Fatalf("new projection: %v", err)
	}
	return &harness{views: views, projection: proj, cache: memory}
}

// feed runs the aggregate's buffered events through the projection the way
// the bus would deliver them.
func (h *harness) feed(t *testing.T, book *books.Book) {
	t.Helper()
	for _, evt := range book.UncommittedEvents() {
		envelope, err := domain.Envelope(evt)
		if err != nil {
			t.Fatalf("envelope %s: %v", evt.EventType, err)
		}
		if err := h.projection.Handle(context.Background(), envelope); err != nil {
			t.Fatalf("handle %s: %v", evt.EventType, err)
		}
	}
	book.ClearUncommittedEvents()
}

func createBook(t *testing.T, h *harness, isbn, title, author string, price int64) *books.Book {
	t.Helper()
	book := books.New(domain.NewAggregateID())
	if err := book.Create(isbn, title, author, 2015, "Basic Books", price); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.feed(t, book)
	return book
}

func TestBookViewCreate(t *testing.T) {
	h := newHarness(t)
	book := createBook(t, h, "978-0-306-40615-7", "Gödel, Escher, Bach", "Douglas Hofstadter", 2650)

	row, err := h.views.Get(context.Background(), book.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Title != "Gödel, Escher, Bach" || row.Price != 2650 || row.Version != 1 {
		t.Fatalf("unexpected row %+v", row)
	}
	if row.CreatedAt != fixedNow.Unix() || row.UpdatedAt != fixedNow.Unix() {
		t.Fatalf("timestamps = %d/%d, want %d", row.CreatedAt, row.UpdatedAt, fixedNow.Unix())
	}

	byISBN, err := h.views.FindByISBN(context.Background(), "978-0-306-40615-7")
	if err != nil {
		t.Fatalf("find by isbn: %v", err)
	}
	if byISBN.ID != book.ID() {
		t.Fatalf("isbn lookup returned %s, want %s", byISBN.ID, book.ID())
	}
}

func TestBookViewUpdateIsVersioned(t *testing.T) {
	h := newHarness(t)
	book := createBook(t, h, "978-0-306-40615-7", "Original", "Author", 1000)

	title := "Renamed"
	if err := book.Update(books.BookPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updateEvt := book.UncommittedEvents()[0]
	h.feed(t, book)

	row, err := h.views.Get(context.Background(), book.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Title != "Renamed" || row.Version != 2 {
		t.Fatalf("row = %+v", row)
	}

	// Redelivering the same event must not change anything.
	envelope, err := domain.Envelope(updateEvt)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := h.projection.Handle(context.Background(), envelope); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	again, err := h.views.Get(context.Background(), book.ID())
	if err != nil {
		t.Fatalf("get after redelivery: %v", err)
	}
	if again.Version != 2 || again.Title != "Renamed" {
		t.Fatalf("redelivery changed row to %+v", again)
	}
}

func TestBookViewDelete(t *testing.T) {
	h := newHarness(t)
	book := createBook(t, h, "978-0-306-40615-7", "Doomed", "Author", 1000)

	if err := book.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.feed(t, book)

	if _, err := h.views.Get(context.Background(), book.ID()); !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("get deleted = %v, want not found", err)
	}
	if _, err := h.views.FindByISBN(context.Background(), "978-0-306-40615-7"); !errors.Is(err, eventsourcing.ErrNotFound) {
		t.Fatalf("isbn of deleted book still resolves: %v", err)
	}

	deleted, err := h.views.DeletedExists(context.Background(), book.ID())
	if err != nil {
		t.Fatalf("deleted exists: %v", err)
	}
	if !deleted {
		t.Fatal("DeletedExists = false for a deleted book")
	}
}

func TestBookViewSearchFoldsCase(t *testing.T) {
	h := newHarness(t)
	createBook(t, h, "978-0-306-40615-7", "GÖDEL, ESCHER, BACH", "Douglas Hofstadter", 2650)
	createBook(t, h, "978-0-13-468599-1", "The Go Programming Language", "Alan Donovan", 2999)

	page := projection.Query{Page: 1, Limit: 10}
	result, err := h.views.Search(context.Background(), projections.CatalogFilter{Term: "gödel"}, page)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Pagination.Total != 1 || len(result.Data) != 1 {
		t.Fatalf("search total = %d rows = %d, want 1/1", result.Pagination.Total, len(result.Data))
	}
	if result.Data[0].Author != "Douglas Hofstadter" {
		t.Fatalf("wrong hit %+v", result.Data[0])
	}

	// The search text follows renames.
	byAuthor, err := h.views.Search(context.Background(), projections.CatalogFilter{Term: "donovan"}, page)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if byAuthor.Pagination.Total != 1 {
		t.Fatalf("author search total = %d, want 1", byAuthor.Pagination.Total)
	}
}

func TestBookViewSearchPagination(t *testing.T) {
	h := newHarness(t)
	isbns := []string{"978-0-306-40615-7", "978-0-13-468599-1", "978-1-59327-846-0"}
	for i, isbn := range isbns {
		createBook(t, h, isbn, "Systems Title", "Shared Author", int64(1000+i))
	}

	result, err := h.views.Search(context.Background(),
		projections.CatalogFilter{Term: "systems"},
		projection.Query{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Pagination.Total != 3 || result.Pagination.Pages != 2 {
		t.Fatalf("pagination = %+v", result.Pagination)
	}
	if len(result.Data) != 1 {
		t.Fatalf("page 2 rows = %d, want 1", len(result.Data))
	}
	if !result.Pagination.HasPrev || result.Pagination.HasNext {
		t.Fatalf("pagination flags = %+v", result.Pagination)
	}
}

func TestBookViewSearchEqualityFilter(t *testing.T) {
	h := newHarness(t)
	createBook(t, h, "978-0-306-40615-7", "One", "Hofstadter", 1000)
	createBook(t, h, "978-0-13-468599-1", "Two", "Donovan", 1000)

	result, err := h.views.Search(context.Background(),
		projections.CatalogFilter{Author: "Donovan"},
		projection.Query{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Pagination.Total != 1 || result.Data[0].Title != "Two" {
		t.Fatalf("filtered search = %+v", result.Data)
	}
}

func TestBookViewInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	book := createBook(t, h, "978-0-306-40615-7", "Cached", "Author", 1000)

	ctx := context.Background()
	h.cache.Set(ctx, projections.CacheKeyBook(book.ID()), []byte("stale"), 0)
	h.cache.Set(ctx, projections.CacheKeyCatalog("page-1"), []byte("stale"), 0)

	title := "Fresh"
	if err := book.Update(books.BookPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.feed(t, book)

	if h.cache.Exists(ctx, projections.CacheKeyBook(book.ID())) {
		t.Fatal("book cache key survived an update")
	}
	if h.cache.Exists(ctx, projections.CacheKeyCatalog("page-1")) {
		t.Fatal("catalog cache key survived an update")
	}
}
