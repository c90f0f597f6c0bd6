package schemafile

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/query"
	"github.com/roach88/keel/internal/schema"
)

// QuerySpec is a query file: a filtered, ordered, paged read of one table.
type QuerySpec struct {
	From     string      `yaml:"from" json:"from"`
	Where    []Condition `yaml:"where,omitempty" json:"where,omitempty"`
	Order    []OrderKey  `yaml:"order,omitempty" json:"order,omitempty"`
	Select   []string    `yaml:"select,omitempty" json:"select,omitempty"`
	Distinct bool        `yaml:"distinct,omitempty" json:"distinct,omitempty"`
	Skip     int         `yaml:"skip,omitempty" json:"skip,omitempty"`
	Take     *int        `yaml:"take,omitempty" json:"take,omitempty"`
}

// Condition is one conjunct of the filter.
type Condition struct {
	Column string `yaml:"column" json:"column"`
	Op     string `yaml:"op" json:"op"`
	Value  any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any  `yaml:"values,omitempty" json:"values,omitempty"`
}

// OrderKey is one sort key.
type OrderKey struct {
	Column string `yaml:"column" json:"column"`
	Desc   bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// LoadQuery reads a query file.
func LoadQuery(path string) (*QuerySpec, error) {
	var q QuerySpec
	if err := decode(path, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Node builds the query over the registry's tables, bound to exec. A nil
// exec yields a node that compiles but cannot run.
func (q *QuerySpec) Node(exec query.Executor, reg *schema.Registry) (*query.Node, error) {
	t, ok := reg.Lookup(Ident(q.From))
	if !ok {
		return nil, fmt.Errorf("query: unknown table %q", q.From)
	}
	n := query.From(exec, t)

	col := func(name string) (predicate.Expr, error) {
		name = Ident(name)
		if t.Column(name) == nil {
			return nil, fmt.Errorf("query: table %s has no column %q", t.Name, name)
		}
		return n.Col(name), nil
	}

	for _, c := range q.Where {
		e, err := col(c.Column)
		if err != nil {
			return nil, err
		}
		p, err := c.predicate(e)
		if err != nil {
			return nil, err
		}
		n = n.Where(p)
	}
	if len(q.Select) > 0 {
		exprs := make([]predicate.Expr, len(q.Select))
		for i, name := range q.Select {
			e, err := col(name)
			if err != nil {
				return nil, err
			}
			exprs[i] = e
		}
		n = n.Select(exprs...)
	}
	for _, o := range q.Order {
		e, err := col(o.Column)
		if err != nil {
			return nil, err
		}
		if o.Desc {
			n = n.OrderByDesc(e)
		} else {
			n = n.OrderBy(e)
		}
	}
	if q.Distinct {
		n = n.Distinct()
	}
	if q.Skip > 0 {
		n = n.Skip(q.Skip)
	}
	if q.Take != nil {
		n = n.Take(*q.Take)
	}
	return n, n.Err()
}

func (c Condition) predicate(e predicate.Expr) (predicate.Expr, error) {
	switch strings.ToLower(c.Op) {
	case "eq", "=":
		return predicate.Eq(e, c.Value), nil
	case "ne", "!=":
		return predicate.Ne(e, c.Value), nil
	case "lt", "<":
		return predicate.Lt(e, c.Value), nil
	case "le", "<=":
		return predicate.Le(e, c.Value), nil
	case "gt", ">":
		return predicate.Gt(e, c.Value), nil
	case "ge", ">=":
		return predicate.Ge(e, c.Value), nil
	case "like":
		return predicate.Like(e, c.Value), nil
	case "in":
		return predicate.In(e, c.Values...), nil
	case "is_null":
		return predicate.IsNull(e), nil
	case "not_null":
		return predicate.NotNull(e), nil
	default:
		return nil, fmt.Errorf("query: unknown operator %q on %s", c.Op, c.Column)
	}
}
