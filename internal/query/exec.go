package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/schema"
)

// Querier runs statements. *store.Store and *store.Tx implement it.
type Querier interface {
	Dialect() dialect.Dialect
	Query(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error
}

// Executor runs statements and turns rows into entities.
type Executor interface {
	Querier
	Materialize(t *schema.Table, cur schema.Cursor) (schema.Entity, error)
}

type boundExecutor struct {
	Querier
	m schema.Materializer
}

// Bind pairs a querier with a materializer. A nil materializer uses
// schema.DescriptorMaterializer.
func Bind(q Querier, m schema.Materializer) Executor {
	if m == nil {
		m = schema.DescriptorMaterializer{}
	}
	return boundExecutor{Querier: q, m: m}
}

func (b boundExecutor) Materialize(t *schema.Table, cur schema.Cursor) (schema.Entity, error) {
	return b.m.Materialize(t, cur)
}

// buffer holds the materialized rows of a tree.
type buffer struct {
	entities []schema.Entity
	rows     [][]any
}

func (b *buffer) len() int {
	if b.rows != nil {
		return len(b.rows)
	}
	return len(b.entities)
}

func (n *Node) executor() (Executor, error) {
	if n.exec == nil {
		return nil, ormerr.Usage("query over %s has no executor", n.table.Name)
	}
	return n.exec, nil
}

// load materializes the tree once and caches the result on it.
func (n *Node) load(ctx context.Context) (*buffer, error) {
	if n.buf != nil {
		return n.buf, nil
	}
	buf, err := n.run(ctx)
	if err != nil {
		return nil, err
	}
	n.buf = buf
	n.frozen = true
	return buf, nil
}

// run executes the tree without caching.
func (n *Node) run(ctx context.Context) (*buffer, error) {
	st, err := n.Compile()
	if err != nil {
		return nil, err
	}
	exec, err := n.executor()
	if err != nil {
		return nil, err
	}

	buf := &buffer{}
	if st.Table == nil {
		buf.rows = [][]any{}
	}
	err = exec.Query(ctx, st.SQL, st.Args, func(rows *sql.Rows) error {
		return read(exec, st, rows, buf)
	})
	if err != nil {
		return nil, ormerr.Database(ormerr.StmtQuery, nil, err)
	}
	return buf, nil
}

func read(exec Executor, st *Statement, rows *sql.Rows, buf *buffer) error {
	seen := make(map[string]bool)

	for rows.Next() {
		if st.Page != nil && st.Page.Take >= 0 && buf.len() >= st.Page.Skip+st.Page.Take {
			break
		}
		if st.Table != nil {
			e, err := exec.Materialize(st.Table, rows)
			if err != nil {
				return err
			}
			if st.DistinctPass && containsEntity(buf.entities, e) {
				continue
			}
			buf.entities = append(buf.entities, e)
			continue
		}

		vals := make([]any, len(st.Columns)+st.Hidden)
		dest := make([]any, len(vals))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		row := vals[:len(st.Columns)]
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		if st.DistinctPass {
			key := rowKey(row)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		buf.rows = append(buf.rows, row)
	}
	if st.Page != nil {
		buf.page(*st.Page)
	}
	return nil
}

// page drops the rows before skip and keeps at most take of the rest.
func (b *buffer) page(p Page) {
	lo := min(p.Skip, b.len())
	hi := b.len()
	if p.Take >= 0 {
		hi = min(lo+p.Take, hi)
	}
	if b.rows != nil {
		b.rows = b.rows[lo:hi]
	} else {
		b.entities = b.entities[lo:hi]
	}
}

func containsEntity(list []schema.Entity, e schema.Entity) bool {
	for _, x := range list {
		if schema.Same(x, e) {
			return true
		}
	}
	return false
}

func rowKey(row []any) string {
	var b strings.Builder
	for _, v := range row {
		fmt.Fprintf(&b, "%T:%v\x00", v, v)
	}
	return b.String()
}

func (n *Node) entityBuffer(ctx context.Context, op string) (*buffer, error) {
	if n.proj != nil {
		return nil, ormerr.Usage("%s: query projects columns, use Values", op)
	}
	return n.load(ctx)
}

// ToList materializes the tree and returns its entities.
func (n *Node) ToList(ctx context.Context) ([]schema.Entity, error) {
	buf, err := n.entityBuffer(ctx, "ToList")
	if err != nil {
		return nil, err
	}
	return append([]schema.Entity(nil), buf.entities...), nil
}

// Values materializes a projecting tree and returns its rows.
func (n *Node) Values(ctx context.Context) ([][]any, error) {
	if n.proj == nil {
		return nil, ormerr.Usage("Values: query selects entities, use ToList")
	}
	buf, err := n.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([][]any(nil), buf.rows...), nil
}

// All materializes the tree and returns an iterator over its entities.
func (n *Node) All(ctx context.Context) (iter.Seq[schema.Entity], error) {
	buf, err := n.entityBuffer(ctx, "All")
	if err != nil {
		return nil, err
	}
	entities := buf.entities
	return func(yield func(schema.Entity) bool) {
		for _, e := range entities {
			if !yield(e) {
				return
			}
		}
	}, nil
}

// Each materializes the tree and calls fn for each entity, stopping at
// the first error.
func (n *Node) Each(ctx context.Context, fn func(schema.Entity) error) error {
	seq, err := n.All(ctx)
	if err != nil {
		return err
	}
	for e := range seq {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// probe returns up to limit entities, from the buffer when the tree is
// materialized and from a limited clone otherwise. A tree that deduplicates
// in memory cannot be limited in SQL, so it is materialized instead.
func (n *Node) probe(ctx context.Context, op string, limit int) ([]schema.Entity, error) {
	if n.proj != nil {
		return nil, ormerr.Usage("%s: query projects columns, use Values", op)
	}
	if n.buf == nil {
		st, err := n.Compile()
		if err != nil {
			return nil, err
		}
		if !st.DistinctPass {
			buf, err := n.Clone().Take(limit).run(ctx)
			if err != nil {
				return nil, err
			}
			return buf.entities, nil
		}
	}
	buf, err := n.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(buf.entities) > limit {
		return buf.entities[:limit], nil
	}
	return buf.entities, nil
}

// Single returns the only entity. It fails with NotFound on an empty
// result and with a usage error when there is more than one.
func (n *Node) Single(ctx context.Context) (schema.Entity, error) {
	e, err := n.SingleOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ormerr.NotFound(n.table.Name)
	}
	return e, nil
}

// SingleOrDefault returns the only entity, or nil on an empty result.
func (n *Node) SingleOrDefault(ctx context.Context) (schema.Entity, error) {
	list, err := n.probe(ctx, "Single", 2)
	if err != nil {
		return nil, err
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	default:
		return nil, ormerr.Usage("Single: query over %s returned more than one row", n.table.Name)
	}
}

// First returns the first entity, or NotFound.
func (n *Node) First(ctx context.Context) (schema.Entity, error) {
	e, err := n.FirstOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ormerr.NotFound(n.table.Name)
	}
	return e, nil
}

// FirstOrDefault returns the first entity, or nil.
func (n *Node) FirstOrDefault(ctx context.Context) (schema.Entity, error) {
	list, err := n.probe(ctx, "First", 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// Count returns the number of rows. The first call materializes the tree,
// so later calls and enumeration answer from the same rows.
func (n *Node) Count(ctx context.Context) (int64, error) {
	buf, err := n.load(ctx)
	if err != nil {
		return 0, err
	}
	return int64(buf.len()), nil
}

// Any reports whether the tree has at least one row. On an unmaterialized
// tree it runs a probe without DISTINCT and keeps the answer; an empty
// answer also fixes the tree's rows as empty.
func (n *Node) Any(ctx context.Context) (bool, error) {
	if n.buf != nil {
		return n.buf.len() > 0, nil
	}
	if n.found != nil {
		return *n.found, nil
	}
	st, err := n.CompileProbe()
	if errors.Is(err, errNeedsBuffer) {
		buf, err := n.load(ctx)
		if err != nil {
			return false, err
		}
		return buf.len() > 0, nil
	}
	if err != nil {
		return false, err
	}
	exec, err := n.executor()
	if err != nil {
		return false, err
	}
	found := false
	err = exec.Query(ctx, st.SQL, st.Args, func(rows *sql.Rows) error {
		found = rows.Next()
		return nil
	})
	if err != nil {
		return false, ormerr.Database(ormerr.StmtAggregate, nil, err)
	}

	n.found = &found
	n.frozen = true
	if !found {
		n.buf = &buffer{}
		if n.proj != nil {
			n.buf.rows = [][]any{}
		}
	}
	return found, nil
}

// Max returns the largest value of arg, nil when there are no rows.
func (n *Node) Max(ctx context.Context, arg predicate.Expr) (any, error) {
	return n.aggregate(ctx, "MAX", arg)
}

// Min returns the smallest value of arg, nil when there are no rows.
func (n *Node) Min(ctx context.Context, arg predicate.Expr) (any, error) {
	return n.aggregate(ctx, "MIN", arg)
}

// Sum returns the sum of arg, nil when there are no rows.
func (n *Node) Sum(ctx context.Context, arg predicate.Expr) (any, error) {
	return n.aggregate(ctx, "SUM", arg)
}

// Avg returns the average of arg, nil when there are no rows.
func (n *Node) Avg(ctx context.Context, arg predicate.Expr) (any, error) {
	return n.aggregate(ctx, "AVG", arg)
}

func (n *Node) aggregate(ctx context.Context, fn string, arg predicate.Expr) (any, error) {
	st, err := n.CompileAggregate(fn, arg)
	if errors.Is(err, errNeedsBuffer) {
		return nil, ormerr.Usage("%s over a distinct query ordered by hidden columns is not supported", fn)
	}
	if err != nil {
		return nil, err
	}
	return n.scalar(ctx, st)
}

func (n *Node) scalar(ctx context.Context, st *Statement) (any, error) {
	exec, err := n.executor()
	if err != nil {
		return nil, err
	}
	var v any
	err = exec.Query(ctx, st.SQL, st.Args, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&v)
		}
		return nil
	})
	if err != nil {
		return nil, ormerr.Database(ormerr.StmtAggregate, nil, err)
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	return v, nil
}

// List materializes n as entities of type E.
func List[E schema.Entity](ctx context.Context, n *Node) ([]E, error) {
	list, err := n.ToList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]E, 0, len(list))
	for _, e := range list {
		typed, ok := e.(E)
		if !ok {
			return nil, ormerr.Usage("query over %s materialized %T", n.table.Name, e)
		}
		out = append(out, typed)
	}
	return out, nil
}

// One returns the single entity of n as type E.
func One[E schema.Entity](ctx context.Context, n *Node) (E, error) {
	var zero E
	e, err := n.Single(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := e.(E)
	if !ok {
		return zero, ormerr.Usage("query over %s materialized %T", n.table.Name, e)
	}
	return typed, nil
}
