package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/dialect"
)

// Migration is one schema step. Versions are applied in ascending order and
// each version is applied at most once per database.
type Migration struct {
	Version int
	SQL     string
}

// Store wraps a database handle for one dialect.
type Store struct {
	db *sql.DB
	d  dialect.Dialect
}

// Open opens the database at dsn with dialect d and applies its pragmas.
//
// SQLite databases are configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(d dialect.Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d.Name() == "sqlite" {
		// SQLite only supports one writer at a time, and pragmas are
		// per-connection, so keep exactly one connection alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := applyPragmas(db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &Store{db: db, d: d}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() dialect.Dialect {
	return s.d
}

// Query runs a query on a connection borrowed for this call only and hands
// the rows to fn. The rows are closed and the connection returned to the
// pool before Query returns.
func (s *Store) Query(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return scan(ctx, conn, query, args, fn)
}

// Exec runs a statement outside any transaction.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Migrate applies every migration newer than the database's schema version.
// This function is idempotent.
func (s *Store) Migrate(ctx context.Context, migrations []Migration) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.Version, err)
		}
		if err := s.setSchemaVersion(ctx, m.Version); err != nil {
			return err
		}
		version = m.Version
		slog.Debug("applied migration", "version", m.Version)
	}
	return nil
}

// SchemaVersion returns the version of the last applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if s.d.Name() == "sqlite" {
		if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return 0, fmt.Errorf("get user_version: %w", err)
		}
		return version, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS keel_schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create version table: %w", err)
	}
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM keel_schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	var err error
	if s.d.Name() == "sqlite" {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
	} else {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO keel_schema_version (version) VALUES ("+s.d.Placeholder(1)+")", version)
	}
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// applyPragmas sets the dialect's per-connection configuration.
func applyPragmas(db *sql.DB, d dialect.Dialect) error {
	for _, pragma := range d.Pragmas() {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scan(ctx context.Context, q querier, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := fn(rows); err != nil {
		return err
	}
	return rows.Err()
}
