/**
 * @description
 * Embedded SQL migrations for the donor-service schema, applied with goose
 * before the connection pool is handed to the repository. Running them at
 * startup keeps a fresh environment usable without a separate migration
 * step.
 *
 * @dependencies
 * - github.com/pressly/goose/v3: Migration runner.
 * - github.com/jackc/pgx/v5/stdlib: database/sql driver goose requires.
 */
package database

import (
	"context"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending migration against the given DSN.
func Migrate(ctx context.Context, dsn string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
