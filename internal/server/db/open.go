package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // SQLite driver for local development

	"github.com/dmitrijs2005/siteauth/internal/server/repositories/repomanager"
)

// OpenOptions describes how to reach the database.
type OpenOptions struct {
	Driver string // "pgx" or "sqlite"
	DSN    string

	ConnectTimeout time.Duration
	// SocketTimeout closes pooled sockets idle for longer than this.
	SocketTimeout time.Duration

	MaxOpenConns int
	MaxIdleConns int

	MigrateOnConnect bool
}

// sqlitePragmas mirror what a single-node deployment needs.
var sqlitePragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// Open opens a pool for opts.Driver and verifies it with a ping. The pool is
// closed again on any error.
func Open(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch opts.Driver {
	case "pgx", "postgres":
		conn, err = openPostgres(opts)
	case "sqlite", "sqlite3":
		conn, err = sql.Open("sqlite", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.SocketTimeout > 0 {
		conn.SetConnMaxIdleTime(opts.SocketTimeout)
	}

	if opts.Driver == "sqlite" || opts.Driver == "sqlite3" {
		for _, pragma := range sqlitePragmas {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
			}
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return conn, nil
}

func openPostgres(opts OpenOptions) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnectTimeout = opts.ConnectTimeout
	}
	return stdlib.OpenDB(*cfg), nil
}

// NewConnector returns the ConnectFunc used by the Manager: open, ping and,
// if requested, migrate.
func NewConnector(opts OpenOptions, rm repomanager.RepositoryManager) ConnectFunc {
	return func(ctx context.Context) (*sql.DB, error) {
		conn, err := Open(ctx, opts)
		if err != nil {
			return nil, err
		}

		if opts.MigrateOnConnect && rm != nil {
			if err := rm.RunMigrations(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("migration error: %w", err)
			}
		}

		return conn, nil
	}
}
