package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/testutil"
)

// countingTx records the statements executed through it.
type countingTx struct {
	*store.Tx
	execs []string
}

func (c *countingTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execs = append(c.execs, query)
	return c.Tx.Exec(ctx, query, args...)
}

func begin(t *testing.T, s *store.Store) *store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func seedAuthor(t *testing.T, s *store.Store) {
	t.Helper()
	_, err := s.Exec(context.Background(), `INSERT INTO authors (name) VALUES ('Ann')`)
	require.NoError(t, err)
}

func tempTables(t *testing.T, tx *store.Tx) int {
	t.Helper()
	var n int
	err := tx.Query(context.Background(), `SELECT COUNT(*) FROM sqlite_temp_master WHERE type = 'table'`, nil,
		func(rows *sql.Rows) error {
			rows.Next()
			return rows.Scan(&n)
		})
	require.NoError(t, err)
	return n
}

func TestForDialect(t *testing.T) {
	assert.IsType(t, SQLiteWriter{}, ForDialect(dialect.SQLite{}))
	assert.IsType(t, CopyWriter{}, ForDialect(dialect.Postgres{}))
}

func TestSQLiteWriter_Chunks(t *testing.T) {
	s := testutil.NewStore(t)
	tx := &countingTx{Tx: begin(t, s)}
	ctx := context.Background()

	_, err := tx.Tx.Exec(ctx, `CREATE TEMP TABLE staging (a INTEGER, b TEXT)`)
	require.NoError(t, err)

	var rows [][]any
	for i := 0; i < 10; i++ {
		rows = append(rows, []any{i, fmt.Sprint("row", i)})
	}
	require.NoError(t, SQLiteWriter{ChunkRows: 4}.Write(ctx, tx, "staging", []string{"a", "b"}, rows))
	assert.Len(t, tx.execs, 3)
	assert.Equal(t, `INSERT INTO "staging" ("a", "b") VALUES (?, ?), (?, ?), (?, ?), (?, ?)`, tx.execs[0])

	var n int
	err = tx.Query(ctx, `SELECT COUNT(*) FROM staging`, nil, func(r *sql.Rows) error {
		r.Next()
		return r.Scan(&n)
	})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	err = SQLiteWriter{}.Write(ctx, tx, "staging", []string{"a", "b"}, [][]any{{1}})
	assert.ErrorContains(t, err, "row has 1 values, want 2")
}

func TestInsert_AssignsIdentitiesInStagingOrder(t *testing.T) {
	s := testutil.NewStore(t)
	seedAuthor(t, s)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Exec(ctx, `INSERT INTO books (title, author_id) VALUES ('old', 1)`)
		require.NoError(t, err)
	}

	author := new(testutil.Author)
	author.ID.Load(1)
	var books []schema.Entity
	for i := 0; i < 25; i++ {
		books = append(books, testutil.NewBook(fmt.Sprintf("Book %02d", i), float64(i), author))
	}
	cols := []*schema.Column{
		testutil.Books.Column("title"),
		testutil.Books.Column("price"),
		testutil.Books.Column("author_id"),
	}

	tx := &countingTx{Tx: begin(t, s)}
	l := &Loader{Names: testutil.NewSequentialNames()}
	require.NoError(t, l.Insert(ctx, tx, testutil.Books, cols, books))

	assert.Equal(t, `CREATE TEMP TABLE "keel_bulk_books_0001" ("__row_index" BIGINT, "title" TEXT, "price" REAL, "author_id" INTEGER)`, tx.execs[0])
	assert.Equal(t, `DROP TABLE IF EXISTS temp."keel_bulk_books_0001"`, tx.execs[len(tx.execs)-1])
	assert.Zero(t, tempTables(t, tx.Tx))
	require.NoError(t, tx.Commit())

	for i, e := range books {
		b := e.(*testutil.Book)
		assert.Equal(t, int64(i+4), b.ID.Get(), "identity of staged row %d", i)
		assert.Equal(t, int64(1), b.Version.Get())
		assert.Equal(t, schema.Loaded, b.ID.State())
	}

	var title string
	require.NoError(t, s.DB().QueryRow(`SELECT title FROM books WHERE id = 20`).Scan(&title))
	assert.Equal(t, "Book 16", title)
	assert.Equal(t, 28, testutil.Count(t, s, "books"))
}

func TestInsert_RequiresColumns(t *testing.T) {
	s := testutil.NewStore(t)
	tx := begin(t, s)
	err := (&Loader{}).Insert(context.Background(), tx, testutil.Tags, nil, []schema.Entity{testutil.NewTag("x", nil)})
	assert.True(t, ormerr.IsUsage(err))
}

func TestInsert_WrapsDatabaseErrors(t *testing.T) {
	s := testutil.NewStore(t)
	tx := begin(t, s)

	// author 1 does not exist, so the foreign key check fails.
	author := new(testutil.Author)
	author.ID.Load(1)
	books := []schema.Entity{testutil.NewBook("Dune", 1, author)}
	cols := []*schema.Column{testutil.Books.Column("title"), testutil.Books.Column("author_id")}

	err := (&Loader{}).Insert(context.Background(), tx, testutil.Books, cols, books)
	require.Error(t, err)
	assert.True(t, ormerr.IsDatabase(err))

	var oe *ormerr.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ormerr.StmtBulkInsert, oe.Statement)
	assert.Equal(t, []ormerr.EntityRef{{Table: "books"}}, oe.Entities)
}

func TestUpdate_ChecksRowVersions(t *testing.T) {
	s := testutil.NewStore(t)
	seedAuthor(t, s)
	ctx := context.Background()

	var books []schema.Entity
	for i := 1; i <= 22; i++ {
		_, err := s.Exec(ctx, `INSERT INTO books (title, author_id) VALUES (?, 1)`, fmt.Sprint("old ", i))
		require.NoError(t, err)
		b := new(testutil.Book)
		b.ID.Load(int64(i))
		b.Version.Load(1)
		b.Title.Load(fmt.Sprint("old ", i))
		b.Title.Set(fmt.Sprint("new ", i))
		books = append(books, b)
	}
	_, err := s.Exec(ctx, `UPDATE books SET row_version = 5 WHERE id = 3`)
	require.NoError(t, err)

	tx := &countingTx{Tx: begin(t, s)}
	l := &Loader{Names: testutil.NewSequentialNames()}
	stale, err := l.Update(ctx, tx, testutil.Books, []*schema.Column{testutil.Books.Column("title")}, books)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Same(t, books[2], stale[0])

	require.NoError(t, tx.Commit())

	for i, e := range books {
		b := e.(*testutil.Book)
		if i == 2 {
			assert.Equal(t, int64(1), b.Version.Get())
			continue
		}
		assert.Equal(t, int64(2), b.Version.Get())
	}

	var title string
	var version int64
	require.NoError(t, s.DB().QueryRow(`SELECT title, row_version FROM books WHERE id = 3`).Scan(&title, &version))
	assert.Equal(t, "old 3", title)
	assert.Equal(t, int64(5), version)
	require.NoError(t, s.DB().QueryRow(`SELECT title, row_version FROM books WHERE id = 22`).Scan(&title, &version))
	assert.Equal(t, "new 22", title)
	assert.Equal(t, int64(2), version)
}

func TestTempName(t *testing.T) {
	l := &Loader{}
	name := l.tempName("books")
	assert.True(t, strings.HasPrefix(name, "keel_bulk_books_"))
	assert.NotContains(t, name, "-")
	assert.NotEqual(t, name, l.tempName("books"))
}
