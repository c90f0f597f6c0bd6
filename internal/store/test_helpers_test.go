package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/keel/internal/dialect"
)

// createTestStore creates a new file-backed SQLite store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dialect.SQLite{}, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testMigrations = []Migration{
	{Version: 1, SQL: `CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`},
	{Version: 2, SQL: `CREATE INDEX idx_authors_name ON authors(name)`},
}

// migrateTestStore applies testMigrations.
func migrateTestStore(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Migrate(context.Background(), testMigrations); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
}
