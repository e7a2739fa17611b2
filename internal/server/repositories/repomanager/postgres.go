// Package repomanager provides the SQL RepositoryManager, wiring together
// repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/siteauth/internal/dbx"
	"github.com/dmitrijs2005/siteauth/internal/server/migrations"
	"github.com/dmitrijs2005/siteauth/internal/server/repositories/users"
	"github.com/pressly/goose/v3"
)

// SQLRepositoryManager vends SQL-backed repositories. The same statements
// run on PostgreSQL (pgx) and SQLite; only the goose dialect differs.
type SQLRepositoryManager struct {
	dialect string
}

// Users returns a users.Repository bound to the provided DBTX.
func (m *SQLRepositoryManager) Users(db dbx.DBTX) users.Repository {
	return users.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations to db.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// GooseDialect maps a database/sql driver name to the goose dialect.
func GooseDialect(driver string) (string, error) {
	switch driver {
	case "pgx", "postgres":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLRepositoryManager constructs a RepositoryManager for the given
// database/sql driver name ("pgx" or "sqlite").
func NewSQLRepositoryManager(driver string) (RepositoryManager, error) {
	dialect, err := GooseDialect(driver)
	if err != nil {
		return nil, err
	}
	return &SQLRepositoryManager{dialect: dialect}, nil
}
