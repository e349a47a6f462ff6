package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/libris/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings the event store schema up to date.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load event store migrations: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("apply event store migrations: %w", err)
	}

	return nil
}

// migrationVersion reports the highest applied event store schema version.
func migrationVersion(db *sql.DB) (int, error) {
	return migrate.New(db, "schema_migrations").Version()
}
