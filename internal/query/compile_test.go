package query

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/testutil"
)

const bookCols = `t0."id", t0."title", t0."price", t0."stock", t0."active", t0."author_id", t0."editor_id", t0."row_version", t0."inserted_at"`

// pgExec compiles with the PostgreSQL dialect and refuses to run anything.
type pgExec struct{}

func (pgExec) Dialect() dialect.Dialect { return dialect.Postgres{} }
func (pgExec) Query(context.Context, string, []any, func(*sql.Rows) error) error {
	return errors.New("not connected")
}
func (pgExec) Materialize(*schema.Table, schema.Cursor) (schema.Entity, error) {
	return nil, errors.New("not connected")
}

func compile(t *testing.T, n *Node) *Statement {
	t.Helper()
	st, err := n.Compile()
	require.NoError(t, err)
	return st
}

func TestCompile_FilterOrderTake(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Where(predicate.Gt(q.Col("price"), 10.5)).
		Where(predicate.Eq(q.Col("active"), true)).
		OrderBy(q.Col("title")).
		Take(5)

	st := compile(t, q)

	assert.Equal(t, `SELECT `+bookCols+` FROM "books" AS t0 WHERE t0."price" > ? AND t0."active" = 1 ORDER BY t0."title" LIMIT 5`, st.SQL)
	assert.Equal(t, []any{10.5}, st.Args)
	assert.Equal(t, testutil.Books, st.Table)
	assert.Zero(t, st.Hidden)
}

func TestCompile_OrCombinator(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Where(predicate.Eq(q.Col("stock"), 0)).Or().Where(predicate.Lt(q.Col("price"), 5))

	st := compile(t, q)
	assert.Equal(t, `SELECT `+bookCols+` FROM "books" AS t0 WHERE t0."stock" = 0 OR t0."price" < ?`, st.SQL)
	assert.Equal(t, []any{5}, st.Args)
}

func TestCompile_EmptySetIsFalse(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Where(predicate.In(q.Col("id")))

	st := compile(t, q)
	assert.True(t, strings.HasSuffix(st.SQL, "WHERE 1 = 0"), st.SQL)
	assert.Empty(t, st.Args)
}

func TestCompile_PostgresPlaceholdersFollowText(t *testing.T) {
	q := From(pgExec{}, testutil.Books)
	q = q.Select(q.Col("title")).
		Where(predicate.Gt(q.Col("price"), 3)).
		Where(predicate.In(q.Col("author_id"), int64(4), int64(5)))

	st := compile(t, q)
	assert.Equal(t, `SELECT t0."title" FROM "books" AS t0 WHERE t0."price" > $1 AND t0."author_id" = ANY($2)`, st.SQL)
	assert.Len(t, st.Args, 2)
	assert.Equal(t, 3, st.Args[0])
}

func TestCompile_JoinOrdinalsAssignedAtEmission(t *testing.T) {
	// The joined node is created first; it still renders as t1.
	authors := From(nil, testutil.Authors)
	authors = authors.Where(predicate.Like(authors.Col("name"), "U%"))
	books := From(nil, testutil.Books)

	q := books.Join(authors, "author_id", "id").
		Where(predicate.Eq(authors.Col("email"), nil)).
		OrderBy(authors.Col("name"))

	st := compile(t, q)
	assert.Equal(t,
		`SELECT `+bookCols+` FROM "books" AS t0 INNER JOIN "authors" AS t1 ON t1."id" = t0."author_id" AND t1."name" LIKE ? WHERE t1."email" IS NULL ORDER BY t1."name"`,
		st.SQL)
	assert.Equal(t, []any{"U%"}, st.Args)
}

func TestCompile_LeftJoinWithoutFilter(t *testing.T) {
	editors := From(nil, testutil.Authors)
	q := From(nil, testutil.Books)
	q = q.LeftJoin(editors, "editor_id", "id").Select(q.Col("title"), predicate.As(editors.Col("name"), "editor"))

	st := compile(t, q)
	assert.Equal(t,
		`SELECT t0."title", t1."name" AS "editor" FROM "books" AS t0 LEFT JOIN "authors" AS t1 ON t1."id" = t0."editor_id"`,
		st.SQL)
	assert.Equal(t, []string{"title", "editor"}, st.Columns)
	assert.Nil(t, st.Table)
}

func TestCompile_TakeThenSkipPagesWithinTaken(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.OrderBy(q.Col("price")).Take(5).Skip(2)

	st := compile(t, q)
	assert.Contains(t, st.SQL, `WHERE "__page"."__rn" > 2 AND "__page"."__rn" <= 5 ORDER BY "__page"."__rn"`)
	assert.Contains(t, st.SQL, `ROW_NUMBER() OVER (ORDER BY "__src"."price", "__src"."id")`)
}

func TestCompile_WindowAddsHiddenKeyForProjections(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Select(q.Col("title")).OrderBy(q.Col("price")).Skip(1)

	st := compile(t, q)
	assert.Equal(t,
		`SELECT "__page"."title", "__page"."__o0", "__page"."__o1" FROM (SELECT "__src".*, ROW_NUMBER() OVER (ORDER BY "__src"."__o0", "__src"."__o1") AS "__rn" FROM (SELECT t0."title", t0."price" AS "__o0", t0."id" AS "__o1" FROM "books" AS t0) AS "__src") AS "__page" WHERE "__page"."__rn" > 1 ORDER BY "__page"."__rn"`,
		st.SQL)
	assert.Equal(t, []string{"title"}, st.Columns)
	assert.Equal(t, 2, st.Hidden)
	assert.False(t, st.DistinctPass)
}

func TestCompile_DistinctOrderByHiddenColumn(t *testing.T) {
	books := From(nil, testutil.Books)
	authors := From(nil, testutil.Authors)
	q := books.Join(authors, "author_id", "id").
		Select(books.Col("title")).
		Distinct().
		OrderBy(authors.Col("name"))

	st := compile(t, q)
	assert.Equal(t,
		`SELECT DISTINCT t0."title", t1."name" AS "__o0" FROM "books" AS t0 INNER JOIN "authors" AS t1 ON t1."id" = t0."author_id" ORDER BY t1."name"`,
		st.SQL)
	assert.Equal(t, []string{"title"}, st.Columns)
	assert.Equal(t, 1, st.Hidden)
	assert.True(t, st.DistinctPass)
}

func TestCompile_DistinctOrderByProjectedColumnNeedsNoPass(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Select(q.Col("title")).Distinct().OrderBy(q.Col("title"))

	st := compile(t, q)
	assert.Equal(t, `SELECT DISTINCT t0."title" FROM "books" AS t0 ORDER BY t0."title"`, st.SQL)
	assert.False(t, st.DistinctPass)
}

func titles(n *Node, cond predicate.Expr) *Node {
	return n.Select(n.Col("title")).Where(cond)
}

func TestCompile_UnionOrderedByProjectedColumn(t *testing.T) {
	a := From(nil, testutil.Books)
	a = titles(a, predicate.Gt(a.Col("price"), 20))
	b := From(nil, testutil.Books)
	b = titles(b, predicate.Lt(b.Col("stock"), 2))

	st := compile(t, a.Union(b).OrderBy(a.Col("title")))

	assert.Equal(t,
		`SELECT t0."title" FROM "books" AS t0 WHERE t0."price" > ? UNION SELECT t1."title" FROM "books" AS t1 WHERE t1."stock" < ? ORDER BY "title"`,
		st.SQL)
	assert.Equal(t, []any{20, 2}, st.Args)
}

func TestCompile_SetOperationKinds(t *testing.T) {
	for _, kind := range []SetKind{Union, UnionAll, Intersect, Except} {
		t.Run(kind.String(), func(t *testing.T) {
			a := From(nil, testutil.Books)
			b := From(nil, testutil.Books)
			q := a.addSetOp(kind, b)
			st := compile(t, q)
			assert.Contains(t, st.SQL, " "+kind.String()+" SELECT ")
		})
	}
}

func TestCompile_UnionPagedUsesWindow(t *testing.T) {
	a := From(nil, testutil.Books)
	a = titles(a, predicate.Gt(a.Col("price"), 20))
	b := From(nil, testutil.Books)
	b = titles(b, predicate.Lt(b.Col("stock"), 2))

	st := compile(t, a.Union(b).OrderBy(a.Col("title")).Take(3))

	assert.Equal(t,
		`SELECT "__page"."title" FROM (SELECT "__src".*, ROW_NUMBER() OVER (ORDER BY "__src"."title") AS "__rn" FROM (SELECT t0."title" FROM "books" AS t0 WHERE t0."price" > ? UNION SELECT t1."title" FROM "books" AS t1 WHERE t1."stock" < ?) AS "__src") AS "__page" WHERE "__page"."__rn" <= 3 ORDER BY "__page"."__rn"`,
		st.SQL)
}

func TestCompile_OrderedBranchIsWrapped(t *testing.T) {
	a := From(nil, testutil.Books)
	a = a.Select(a.Col("title"))
	b := From(nil, testutil.Books)
	b = b.Select(b.Col("title")).OrderByDesc(b.Col("price")).Take(2)

	st := compile(t, a.UnionAll(b))
	assert.Equal(t,
		`SELECT t0."title" FROM "books" AS t0 UNION ALL SELECT "__s0"."title" FROM (SELECT t1."title" FROM "books" AS t1 ORDER BY t1."price" DESC LIMIT 2) AS "__s0"`,
		st.SQL)
}

func TestCompile_UsageErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Node
	}{
		{"union with itself", func() *Node {
			q := From(nil, testutil.Books)
			return q.Union(q)
		}},
		{"union of different shapes", func() *Node {
			return From(nil, testutil.Books).Union(From(nil, testutil.Authors))
		}},
		{"set operation ordered by hidden column", func() *Node {
			a := From(nil, testutil.Books)
			a = a.Select(a.Col("title"))
			b := From(nil, testutil.Books)
			b = b.Select(b.Col("title"))
			return a.Except(b).OrderBy(a.Col("price"))
		}},
		{"negative take", func() *Node {
			return From(nil, testutil.Books).Take(-1)
		}},
		{"unknown column", func() *Node {
			q := From(nil, testutil.Books)
			return q.Where(predicate.Eq(q.Col("isbn"), 3))
		}},
		{"aggregate in filter", func() *Node {
			q := From(nil, testutil.Books)
			return q.Where(predicate.Gt(predicate.CountAll(), 3))
		}},
		{"column of a foreign tree", func() *Node {
			other := From(nil, testutil.Authors)
			return From(nil, testutil.Books).Where(predicate.Eq(other.Col("id"), 3))
		}},
		{"join into itself", func() *Node {
			q := From(nil, testutil.Books)
			return q.Join(q, "id", "id")
		}},
		{"join an ordered node", func() *Node {
			a := From(nil, testutil.Authors)
			a = a.OrderBy(a.Col("name"))
			return From(nil, testutil.Books).Join(a, "author_id", "id")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			require.Error(t, err)
			assert.True(t, ormerr.IsUsage(err), "got %v", err)
		})
	}
}

func TestCompile_ErrorIsStickyAcrossMutations(t *testing.T) {
	q := From(nil, testutil.Books).Take(-1)
	first := q.Err()
	require.Error(t, first)

	q = q.Where(predicate.Eq(q.Col("id"), 3)).OrderBy(q.Col("title"))
	assert.Same(t, first, q.Err())

	_, err := q.Count(context.Background())
	assert.Same(t, first, err)
}

func TestCompile_Deterministic(t *testing.T) {
	authors := From(nil, testutil.Authors)
	q := From(nil, testutil.Books)
	q = q.Join(authors, "author_id", "id").
		Where(predicate.In(authors.Col("id"), int64(1), int64(2))).
		OrderBy(q.Col("title")).
		Skip(4)

	first := compile(t, q)
	second := compile(t, q)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Args, second.Args)
}

func TestFreeze_MutatorsReturnClones(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Where(predicate.Gt(q.Col("price"), 1)).Freeze()
	before := compile(t, q).SQL

	// Expressions built against the frozen tree bind to the clone.
	q2 := q.Where(predicate.Eq(q.Col("stock"), 2))
	assert.NotSame(t, q, q2)
	assert.Equal(t, before, compile(t, q).SQL)
	assert.Equal(t, `SELECT `+bookCols+` FROM "books" AS t0 WHERE t0."price" > ? AND t0."stock" = ?`, compile(t, q2).SQL)
}

func TestClone_IsReferenceDisjoint(t *testing.T) {
	authors := From(nil, testutil.Authors)
	q := From(nil, testutil.Books)
	q = q.Join(authors, "author_id", "id").Where(predicate.Eq(authors.Col("name"), "Ann"))

	c := q.Clone()
	c.Where(predicate.Eq(authors.Col("email"), "a@x")).OrderBy(c.Col("title"))

	orig := compile(t, q)
	cloned := compile(t, c)
	assert.NotContains(t, orig.SQL, "email")
	assert.NotContains(t, orig.SQL, "ORDER BY")
	assert.Contains(t, cloned.SQL, `t1."email" = ?`)
	assert.Equal(t, []any{"Ann"}, orig.Args)
	assert.Equal(t, []any{"Ann", "a@x"}, cloned.Args)
}

func TestSetOperation_AttachesSnapshot(t *testing.T) {
	a := From(nil, testutil.Books)
	b := From(nil, testutil.Books)
	q := a.Union(b)

	// Later changes to b do not leak into q.
	b.Where(predicate.Eq(b.Col("stock"), 5))
	assert.NotContains(t, compile(t, q).SQL, "stock")
}

func TestCompileAggregate(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		arg  func(*Node) predicate.Expr
		node func() *Node
		want string
	}{
		{
			name: "count with filter",
			fn:   "COUNT",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.Where(predicate.Gt(q.Col("price"), 10))
			},
			want: `SELECT COUNT(*) AS "value" FROM "books" AS t0 WHERE t0."price" > ?`,
		},
		{
			name: "count distinct entities",
			fn:   "COUNT",
			node: func() *Node { return From(nil, testutil.Books).Distinct() },
			want: `SELECT COUNT(DISTINCT t0."id") AS "value" FROM "books" AS t0`,
		},
		{
			name: "count distinct column",
			fn:   "COUNT",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.Select(q.Col("author_id")).Distinct()
			},
			want: `SELECT COUNT(DISTINCT t0."author_id") AS "value" FROM "books" AS t0`,
		},
		{
			name: "count drops order",
			fn:   "COUNT",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.OrderBy(q.Col("title"))
			},
			want: `SELECT COUNT(*) AS "value" FROM "books" AS t0`,
		},
		{
			name: "count over taken rows is wrapped",
			fn:   "COUNT",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.OrderBy(q.Col("title")).Take(5)
			},
			want: `SELECT COUNT(*) AS "value" FROM (SELECT ` + bookCols + ` FROM "books" AS t0 ORDER BY t0."title" LIMIT 5) AS "__agg"`,
		},
		{
			name: "max of column",
			fn:   "MAX",
			arg:  func(n *Node) predicate.Expr { return n.Col("price") },
			node: func() *Node { return From(nil, testutil.Books) },
			want: `SELECT MAX(t0."price") AS "value" FROM "books" AS t0`,
		},
		{
			name: "sum of single projection",
			fn:   "SUM",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.Select(q.Col("stock"))
			},
			want: `SELECT SUM(t0."stock") AS "value" FROM "books" AS t0`,
		},
		{
			name: "avg over grouped rows is wrapped",
			fn:   "AVG",
			node: func() *Node {
				q := From(nil, testutil.Books)
				return q.Select(predicate.As(predicate.Count(q.Col("id")), "n")).GroupBy(q.Col("author_id"))
			},
			want: `SELECT AVG("__agg"."n") AS "value" FROM (SELECT COUNT(t0."id") AS "n" FROM "books" AS t0 GROUP BY t0."author_id") AS "__agg"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.node()
			var arg predicate.Expr
			if tt.arg != nil {
				arg = tt.arg(n)
			}
			st, err := n.CompileAggregate(tt.fn, arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.SQL)
		})
	}
}

func TestCompileProbe_NeverDistinct(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.Where(predicate.Eq(q.Col("stock"), 0)).Distinct().OrderBy(q.Col("title"))

	st, err := q.CompileProbe()
	require.NoError(t, err)
	assert.Equal(t, `SELECT 1 FROM "books" AS t0 WHERE t0."stock" = 0 LIMIT 1`, st.SQL)
}

func TestCompileProbe_PagedIsWrapped(t *testing.T) {
	q := From(nil, testutil.Books)
	q = q.OrderBy(q.Col("title")).Take(2)

	st, err := q.CompileProbe()
	require.NoError(t, err)
	assert.Equal(t, `SELECT 1 FROM (SELECT `+bookCols+` FROM "books" AS t0 ORDER BY t0."title" LIMIT 2) AS "__any" LIMIT 1`, st.SQL)
}
