package migrate

import (
	"database/sql"
	"embed"
	"testing"

	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	m := New(db, "test_migrations")

	if err := m.ensureMigrationTable(); err != nil {
		t.Fatalf("failed to ensure migration table: %v", err)
	}

	version, err := m.getCurrentVersion()
	if err != nil {
		t.Fatalf("failed to get current version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestMigratorUpAndDown(t *testing.T) {
	db := openTestDB(t)
	m := New(db, "test_migrations")

	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if len(m.migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(m.migrations))
	}
	if m.migrations[0].Version != 1 || m.migrations[1].Version != 2 {
		t.Fatalf("migrations not sorted by version: %+v", m.migrations)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	version, err := m.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	// Both migrations must be visible in the schema.
	if _, err := db.Exec(
		"INSERT INTO catalog (id, title, author) VALUES (?, ?, ?)",
		"bk_1", "The Go Programming Language", "Donovan",
	); err != nil {
		t.Fatalf("migrated schema not usable: %v", err)
	}

	// Up is idempotent.
	if err := m.Up(); err != nil {
		t.Fatalf("second Up should be a no-op: %v", err)
	}

	// Down rolls back one version at a time.
	if err := m.Down(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}
	version, err = m.Version()
	if err != nil {
		t.Fatalf("failed to get version after rollback: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}

	if _, err := db.Exec(
		"INSERT INTO catalog (id, title, author) VALUES (?, ?, ?)",
		"bk_2", "x", "y",
	); err == nil {
		t.Error("author column should be gone after rollback")
	}
}

func TestMigratorDownOnEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	m := New(db, "test_migrations")

	if err := m.Down(); err == nil {
		t.Error("expected an error rolling back with no applied migrations")
	}
}

func TestMigratorSeparateTables(t *testing.T) {
	db := openTestDB(t)

	first := New(db, "first_migrations")
	if err := first.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if err := first.Up(); err != nil {
		t.Fatalf("failed to run first migrator: %v", err)
	}

	// A second migrator with its own table starts from zero even though it
	// shares the database.
	second := New(db, "second_migrations")
	version, err := second.Version()
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected independent version 0, got %d", version)
	}
}
