package internal

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// migrationsTable keeps goose's bookkeeping apart from other services that
// share the database.
const migrationsTable = "fortuna_schema_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations applies the embedded usage store migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, "migrations")
}
