package query

import (
	"errors"
	"strings"

	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
)

// errNeedsBuffer means the aggregate or probe cannot be answered in SQL
// because the rows need an in-memory distinct pass first.
var errNeedsBuffer = errors.New("aggregate needs buffered rows")

// simple reports whether aggregates can be rewritten in place instead of
// wrapping the statement.
func (n *Node) simple() bool {
	return len(n.setOps) == 0 && n.take < 0 && n.skip == 0 && len(n.groupBy) == 0 && n.having == nil
}

// CompileAggregate builds the statement computing fn over the tree. fn is
// one of COUNT, MAX, MIN, SUM, AVG. arg names the aggregated column; it may
// be nil for COUNT and for single-column projections.
func (n *Node) CompileAggregate(fn string, arg predicate.Expr) (*Statement, error) {
	if err := n.Err(); err != nil {
		return nil, err
	}
	fn = strings.ToUpper(fn)
	switch fn {
	case "COUNT", "MAX", "MIN", "SUM", "AVG":
	default:
		return nil, ormerr.Usage("unknown aggregate %q", fn)
	}
	if arg != nil {
		arg = n.rebind(arg)
	}

	c := newCompiler(n)
	if n.simple() {
		if agg, ok, err := n.directAggregate(fn, arg); err != nil {
			return nil, err
		} else if ok {
			return c.finish(c.aggregateStatement(n, agg))
		}
	}
	return c.finish(c.wrappedAggregate(n, fn, arg))
}

// directAggregate rewrites the select list as the aggregate. ok is false
// when the shape needs wrapping.
func (n *Node) directAggregate(fn string, arg predicate.Expr) (predicate.Expr, bool, error) {
	if fn == "COUNT" {
		switch {
		case !n.distinct:
			return predicate.CountAll(), true, nil
		case n.proj == nil:
			return predicate.CountDistinct(predicate.Col(n.alias, n.table.Key.Name)), true, nil
		case len(n.proj) == 1:
			return predicate.CountDistinct(predicate.Unname(n.proj[0])), true, nil
		default:
			return nil, false, nil
		}
	}

	if n.distinct && fn != "MAX" && fn != "MIN" {
		return nil, false, nil
	}
	if arg == nil {
		if len(n.proj) != 1 {
			return nil, false, ormerr.Usage("%s needs a column unless the query projects exactly one", fn)
		}
		arg = predicate.Unname(n.proj[0])
	}
	return predicate.Aggregate(fn, arg, false), true, nil
}

func (c *compiler) aggregateStatement(n *Node, agg predicate.Expr) (*Statement, error) {
	if err := c.validate(n); err != nil {
		return nil, err
	}
	if err := predicate.Validate(agg, predicate.InProjection, scope(n)); err != nil {
		return nil, err
	}
	body, err := c.body(&Node{
		table: n.table,
		alias: n.alias,
		where: n.where,
		joins: n.joins,
		take:  -1,
	}, []output{{expr: agg, name: "value"}})
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: body, Columns: []string{"value"}}, nil
}

func (c *compiler) wrappedAggregate(n *Node, fn string, arg predicate.Expr) (*Statement, error) {
	var col string
	if fn != "COUNT" {
		outs := outputs(n)
		switch {
		case arg == nil && len(outs) == 1:
			col = outs[0].name
		case arg != nil:
			if i := findOutput(outs, arg); i >= 0 {
				col = outs[i].name
			}
		}
		if col == "" {
			return nil, ormerr.Usage("%s over a paged, grouped or combined query needs a projected column", fn)
		}
	}

	inner, err := c.statement(n, true)
	if err != nil {
		return nil, err
	}
	if inner.DistinctPass {
		return nil, errNeedsBuffer
	}

	agg := c.quote("__agg")
	target := "*"
	if col != "" {
		target = agg + "." + c.quote(col)
	}
	sql := "SELECT " + fn + "(" + target + ") AS " + c.quote("value") + " FROM (" + inner.SQL + ") AS " + agg
	return &Statement{SQL: sql, Columns: []string{"value"}}, nil
}

// CompileProbe builds the statement Any runs on an unmaterialized tree. It
// never uses DISTINCT: duplicates do not change whether a row exists.
func (n *Node) CompileProbe() (*Statement, error) {
	if err := n.Err(); err != nil {
		return nil, err
	}
	c := newCompiler(n)

	if n.simple() {
		if err := c.validate(n); err != nil {
			return nil, err
		}
		one := predicate.Op("1")
		body, err := c.body(&Node{
			table: n.table,
			alias: n.alias,
			where: n.where,
			joins: n.joins,
			take:  -1,
		}, []output{{expr: one}})
		if err != nil {
			return nil, err
		}
		return c.finish(&Statement{SQL: body + " LIMIT 1", Columns: []string{"1"}}, nil)
	}

	inner, err := c.statement(n, true)
	if err != nil {
		return nil, err
	}
	if inner.Page != nil {
		return nil, errNeedsBuffer
	}
	sql := "SELECT 1 FROM (" + inner.SQL + ") AS " + c.quote("__any") + " LIMIT 1"
	return c.finish(&Statement{SQL: sql, Columns: []string{"1"}}, nil)
}
