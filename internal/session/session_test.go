package session

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/query"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/testutil"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newSession(t *testing.T, opts ...Option) (*Session, *store.Store) {
	t.Helper()
	st := testutil.NewStore(t)
	base := []Option{
		WithLogger(discard()),
		WithClock(testutil.NewDeterministicClock()),
		WithTempNames(testutil.NewSequentialNames()),
	}
	return New(st, testutil.Registry(), append(base, opts...)...), st
}

// seedRows writes an author and its books outside the session and returns
// the author id.
func seedRows(t *testing.T, st *store.Store, author string, titles ...string) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := st.Exec(ctx, `INSERT INTO authors (name) VALUES (?)`, author)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	for i, title := range titles {
		_, err := st.Exec(ctx, `INSERT INTO books (title, price, author_id) VALUES (?, ?, ?)`, title, float64(10+i), id)
		require.NoError(t, err)
	}
	return id
}

func TestLoad_ReturnsTrackedInstance(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	id := seedRows(t, st, "Ann", "Dune", "Emma")

	a, err := s.Load(ctx, testutil.Authors, id)
	require.NoError(t, err)
	assert.Equal(t, "Ann", a.(*testutil.Author).Name.Get())

	again, err := s.Load(ctx, testutil.Authors, id)
	require.NoError(t, err)
	assert.Same(t, a, again)

	q := s.From(testutil.Authors)
	list, err := q.Where(predicate.Eq(q.Col("name"), "Ann")).ToList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Same(t, a, list[0], "queries yield the cached instance")

	_, err = s.Load(ctx, testutil.Authors, 999)
	assert.True(t, ormerr.IsNotFound(err))
}

func TestLoadMany_SkipsMissingKeys(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	seedRows(t, st, "Ann", "Dune", "Emma", "Kindred")

	first, err := s.Load(ctx, testutil.Books, 2)
	require.NoError(t, err)

	list, err := s.LoadMany(ctx, testutil.Books, 1, 2, 42, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Same(t, first, list[1])
	assert.Equal(t, "Kindred", list[2].(*testutil.Book).Title.Get())
}

func TestAttach(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	seedRows(t, st, "Ann", "Dune")

	_, err := s.Attach(testutil.NewAuthor("Nobody"))
	assert.True(t, ormerr.IsUsage(err))

	loaded, err := s.Load(ctx, testutil.Books, 1)
	require.NoError(t, err)

	other := new(testutil.Book)
	other.ID.Load(1)
	got, err := s.Attach(other)
	require.NoError(t, err)
	assert.Same(t, loaded, got, "the tracked instance wins")
}

func TestResolve(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	id := seedRows(t, st, "Ann", "Dune")

	e, err := s.Load(ctx, testutil.Books, 1)
	require.NoError(t, err)
	book := e.(*testutil.Book)

	t.Run("loads through the identity map", func(t *testing.T) {
		target, err := s.Resolve(ctx, book, "author")
		require.NoError(t, err)
		author, err := s.Load(ctx, testutil.Authors, id)
		require.NoError(t, err)
		assert.Same(t, author, target)
		assert.True(t, book.Author.Resolved())
	})

	t.Run("nil foreign key", func(t *testing.T) {
		target, err := s.Resolve(ctx, book, "editor")
		require.NoError(t, err)
		assert.Nil(t, target)
	})

	t.Run("disabled lazy load", func(t *testing.T) {
		book.Author.Forget()
		book.Author.DisableLazyLoad()
		_, err := s.Resolve(ctx, book, "author")
		assert.True(t, ormerr.IsUsage(err))
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := s.Resolve(ctx, book, "publisher")
		assert.True(t, ormerr.IsUsage(err))
	})
}

func TestBulkDelete_PurgesTable(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	seedRows(t, st, "Ann", "Dune", "Emma", "Kindred")

	_, err := s.Load(ctx, testutil.Authors, 1)
	require.NoError(t, err)
	_, err = s.From(testutil.Books).ToList(ctx)
	require.NoError(t, err)
	require.Len(t, s.Tracked(), 4)

	q := s.From(testutil.Books)
	n, err := s.BulkDelete(ctx, q.Where(predicate.Gt(q.Col("price"), 10)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, testutil.Count(t, st, "books"))

	tracked := s.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, testutil.Authors, tracked[0].Table())
}

func TestExecuteRaw(t *testing.T) {
	s, st := newSession(t)
	seedRows(t, st, "Ann", "Dune", "Emma")

	n, err := s.ExecuteRaw(context.Background(), `UPDATE books SET stock = ?`, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.ExecuteRaw(context.Background(), `UPDATE nope SET x = 1`)
	assert.True(t, ormerr.IsDatabase(err))
	assert.NotContains(t, err.Error(), "UPDATE nope", "messages never carry SQL text")
}

func TestStaging_Usage(t *testing.T) {
	s, st := newSession(t)
	ctx := context.Background()
	seedRows(t, st, "Ann", "Dune")
	author, err := s.Load(ctx, testutil.Authors, 1)
	require.NoError(t, err)
	book, err := s.Load(ctx, testutil.Books, 1)
	require.NoError(t, err)

	assert.True(t, ormerr.IsUsage(s.InsertOnSubmit(author)), "already persisted")
	assert.True(t, ormerr.IsUsage(s.DeleteOnSubmit(testutil.NewAuthor("x"), DeleteOptions{})), "never persisted")
	assert.True(t, ormerr.IsUsage(s.ReactivateOnSubmit(book)), "books are not soft-deletable")
	assert.True(t, ormerr.IsUsage(s.VerifyOnSubmit(testutil.NewTag("x", nil))), "tags have no row version")

	fresh := testutil.NewAuthor("Zoe")
	require.NoError(t, s.InsertOnSubmit(fresh, fresh))
	assert.Equal(t, 1, s.Pending())
	require.NoError(t, s.DeleteOnSubmit(fresh, DeleteOptions{}))
	assert.Equal(t, 0, s.Pending(), "deleting a staged insert unstages it")

	require.NoError(t, s.DeleteOnSubmit(author, DeleteOptions{}))
	require.NoError(t, s.ReactivateOnSubmit(author))
	assert.Equal(t, 1, s.Pending(), "reactivation cancels the delete")

	s.Clear()
	assert.Equal(t, 0, s.Pending())
	assert.Empty(t, s.Tracked())
}

func TestSessionQueryBindsToSession(t *testing.T) {
	s, st := newSession(t)
	seedRows(t, st, "Ann", "Dune")

	list, err := query.List[*testutil.Book](context.Background(), s.From(testutil.Books))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sql.NullInt64{}, list[0].EditorID.Get())
}
