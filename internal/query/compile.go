package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/schema"
)

// Statement is a compiled query.
type Statement struct {
	SQL  string
	Args []any
	// Columns are the visible output columns, in order.
	Columns []string
	// Hidden counts trailing output columns that only carry sort keys.
	Hidden int
	// DistinctPass asks the reader to drop rows whose visible columns
	// repeat an earlier row.
	DistinctPass bool
	// Page, when set, is applied by the reader after the distinct pass
	// instead of in SQL.
	Page *Page
	// Table is the entity type rows materialize into, nil for projections.
	Table *schema.Table
}

// Page is a skip/take window over deduplicated rows. Take is -1 when unset.
type Page struct {
	Skip, Take int
}

// Compile builds the statement for the tree.
func (n *Node) Compile() (*Statement, error) {
	if err := n.Err(); err != nil {
		return nil, err
	}
	c := newCompiler(n)
	return c.finish(c.statement(n, false))
}

func (n *Node) dialect() dialect.Dialect {
	if n.exec == nil {
		return nil
	}
	return n.exec.Dialect()
}

type compiler struct {
	r    *predicate.Renderer
	next int
}

func newCompiler(root *Node) *compiler {
	c := &compiler{r: predicate.NewRenderer(root.dialect())}
	c.assign(root)
	return c
}

// assign fixes alias ordinals: the node, its joins depth first, then its
// set operation branches.
func (c *compiler) assign(n *Node) {
	n.alias.SetOrdinal(c.next)
	c.next++
	for _, j := range n.joins {
		c.assignJoined(j.child)
	}
	for _, s := range n.setOps {
		c.assign(s.other)
	}
}

func (c *compiler) assignJoined(n *Node) {
	n.alias.SetOrdinal(c.next)
	c.next++
	for _, j := range n.joins {
		c.assignJoined(j.child)
	}
}

// finish attaches the arguments bound while rendering the statement.
func (c *compiler) finish(st *Statement, err error) (*Statement, error) {
	if err != nil {
		return nil, err
	}
	st.Args = c.r.Args()
	return st, nil
}

func (c *compiler) quote(ident string) string {
	return c.r.Quote(ident)
}

// scope returns the aliases visible in n's clauses: n and everything
// joined into it.
func scope(n *Node) []*predicate.Alias {
	out := []*predicate.Alias{n.alias}
	for _, j := range n.joins {
		out = append(out, scope(j.child)...)
	}
	return out
}

type output struct {
	expr predicate.Expr
	name string
}

// outputs lists the columns n projects.
func outputs(n *Node) []output {
	if n.proj == nil {
		outs := make([]output, len(n.table.Columns))
		for i, col := range n.table.Columns {
			outs[i] = output{expr: predicate.Col(n.alias, col.Name), name: col.Name}
		}
		return outs
	}

	outs := make([]output, len(n.proj))
	used := make(map[string]bool, len(n.proj))
	for i, e := range n.proj {
		name := predicate.OutputName(e)
		if name == "" || used[name] || strings.HasPrefix(name, "__") {
			name = "c" + strconv.Itoa(i)
		}
		used[name] = true
		outs[i] = output{expr: predicate.Unname(e), name: name}
	}
	return outs
}

func findOutput(outs []output, e predicate.Expr) int {
	for i, o := range outs {
		if predicate.SameColumn(o.expr, e) {
			return i
		}
	}
	return -1
}

type sortKey struct {
	expr predicate.Expr
	out  int // index into outputs, -1 when not projected
	desc bool
}

func (c *compiler) validate(n *Node) error {
	sc := scope(n)
	check := func(e predicate.Expr, ctx predicate.Context) error {
		if e == nil {
			return nil
		}
		return predicate.Validate(e, ctx, sc)
	}

	if err := check(n.where, predicate.InFilter); err != nil {
		return err
	}
	for _, j := range n.joins {
		if err := check(j.child.where, predicate.InFilter); err != nil {
			return err
		}
		if err := c.validateJoined(j.child, sc); err != nil {
			return err
		}
	}
	for _, e := range n.proj {
		if err := check(e, predicate.InProjection); err != nil {
			return err
		}
	}
	for _, o := range n.orders {
		if err := check(o.expr, predicate.InOrdering); err != nil {
			return err
		}
	}
	for _, g := range n.groupBy {
		if err := check(g, predicate.InOrdering); err != nil {
			return err
		}
	}
	return check(n.having, predicate.InOrdering)
}

func (c *compiler) validateJoined(n *Node, sc []*predicate.Alias) error {
	for _, j := range n.joins {
		if j.child.where != nil {
			if err := predicate.Validate(j.child.where, predicate.InFilter, sc); err != nil {
				return err
			}
		}
		if err := c.validateJoined(j.child, sc); err != nil {
			return err
		}
	}
	return nil
}

// statement compiles n. dropOrder omits ORDER BY when the statement is
// only counted or probed and no paging depends on the order.
func (c *compiler) statement(n *Node, dropOrder bool) (*Statement, error) {
	if err := c.validate(n); err != nil {
		return nil, err
	}

	outs := outputs(n)
	visible := len(outs)
	window := n.skip > 0 || (n.take >= 0 && len(n.setOps) > 0)
	orders := n.orders
	if dropOrder && n.take < 0 && n.skip == 0 {
		orders = nil
	}

	keys := make([]sortKey, len(orders))
	hidden := false
	for i, o := range orders {
		keys[i] = sortKey{expr: o.expr, out: findOutput(outs, o.expr), desc: o.desc}
		if keys[i].out >= 0 {
			continue
		}
		if len(n.setOps) > 0 {
			return nil, ormerr.Usage("ORDER BY %s: a set operation can only be ordered by a column it projects",
				predicate.String(o.expr))
		}
		if window || n.distinct {
			keys[i].out = len(outs)
			outs = append(outs, output{expr: o.expr, name: "__o" + strconv.Itoa(len(outs)-visible)})
			hidden = true
		}
	}

	if window {
		key := predicate.Col(n.alias, n.table.Key.Name)
		idx := findOutput(outs, key)
		if idx < 0 && !n.distinct && len(n.setOps) == 0 {
			idx = len(outs)
			outs = append(outs, output{expr: key, name: "__o" + strconv.Itoa(len(outs)-visible)})
		}
		if idx >= 0 && !hasKey(keys, idx) {
			keys = append(keys, sortKey{expr: key, out: idx})
		}
	}

	// Paging counts distinct rows, so a distinct pass in the reader has to
	// run before it.
	var page *Page
	if n.distinct && hidden && (n.take >= 0 || n.skip > 0) {
		page = &Page{Skip: n.skip, Take: n.take}
		window = false
	}

	body, err := c.body(n, outs)
	if err != nil {
		return nil, err
	}

	var sql string
	switch {
	case window:
		sql = c.window(body, outs, keys, n.skip, n.take)
	default:
		sql = body
		if len(keys) > 0 {
			ob, err := c.orderBy(n, outs, keys)
			if err != nil {
				return nil, err
			}
			sql += " ORDER BY " + ob
		}
		if n.take >= 0 && page == nil {
			sql += " LIMIT " + strconv.Itoa(n.take)
		}
	}

	st := &Statement{
		SQL:          sql,
		Columns:      make([]string, visible),
		Hidden:       len(outs) - visible,
		DistinctPass: n.distinct && hidden,
		Page:         page,
	}
	for i := 0; i < visible; i++ {
		st.Columns[i] = outs[i].name
	}
	if n.proj == nil {
		st.Table = n.table
	}
	return st, nil
}

func hasKey(keys []sortKey, out int) bool {
	for _, k := range keys {
		if k.out == out {
			return true
		}
	}
	return false
}

// body renders SELECT ... FROM ... WHERE ... GROUP BY ... HAVING ... and any
// set operation branches.
func (c *compiler) body(n *Node, outs []output) (string, error) {
	c.r.Scope(scope(n)...)
	defer c.r.Scope()

	var b strings.Builder
	b.WriteString("SELECT ")
	if n.distinct {
		b.WriteString("DISTINCT ")
	}
	list, err := c.selectList(outs)
	if err != nil {
		return "", err
	}
	b.WriteString(list)

	from, err := c.from(n)
	if err != nil {
		return "", err
	}
	b.WriteString(" FROM ")
	b.WriteString(from)

	if n.where != nil {
		w, err := c.r.Render(n.where)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(stripParens(w))
	}

	if len(n.groupBy) > 0 {
		parts := make([]string, len(n.groupBy))
		for i, g := range n.groupBy {
			s, err := c.r.Render(g)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if n.having != nil {
		h, err := c.r.Render(n.having)
		if err != nil {
			return "", err
		}
		b.WriteString(" HAVING ")
		b.WriteString(stripParens(h))
	}

	for i, s := range n.setOps {
		branch, err := c.branch(s.other, i)
		if err != nil {
			return "", err
		}
		b.WriteString(" ")
		b.WriteString(s.kind.String())
		b.WriteString(" ")
		b.WriteString(branch)
	}
	return b.String(), nil
}

// branch renders a set operation operand. Operands with their own order,
// paging or set operations are wrapped as a subquery.
func (c *compiler) branch(n *Node, i int) (string, error) {
	if err := n.Err(); err != nil {
		return "", err
	}
	if n.plainBranch() {
		if err := c.validate(n); err != nil {
			return "", err
		}
		return c.body(n, outputs(n))
	}

	st, err := c.statement(n, false)
	if err != nil {
		return "", err
	}
	if st.DistinctPass {
		return "", ormerr.Usage("a distinct set operation operand can only be ordered by columns it projects")
	}
	name := c.quote("__s" + strconv.Itoa(i))
	cols := make([]string, len(st.Columns))
	for j, col := range st.Columns {
		cols[j] = name + "." + c.quote(col)
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM (" + st.SQL + ") AS " + name, nil
}

func (n *Node) plainBranch() bool {
	return len(n.orders) == 0 && n.take < 0 && n.skip == 0 && len(n.setOps) == 0
}

func (c *compiler) selectList(outs []output) (string, error) {
	parts := make([]string, len(outs))
	for i, o := range outs {
		s, err := c.r.Render(o.expr)
		if err != nil {
			return "", err
		}
		if _, col, ok := predicate.Column(o.expr); o.name != "" && (!ok || col != o.name) {
			s += " AS " + c.quote(o.name)
		}
		parts[i] = s
	}
	return strings.Join(parts, ", "), nil
}

func (c *compiler) from(n *Node) (string, error) {
	var b strings.Builder
	b.WriteString(c.quote(n.table.Name))
	b.WriteString(" AS ")
	b.WriteString(n.alias.Name())
	if err := c.joins(&b, n); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *compiler) joins(b *strings.Builder, parent *Node) error {
	for _, j := range parent.joins {
		child := j.child
		if j.left {
			b.WriteString(" LEFT JOIN ")
		} else {
			b.WriteString(" INNER JOIN ")
		}
		b.WriteString(c.quote(child.table.Name))
		b.WriteString(" AS ")
		b.WriteString(child.alias.Name())
		b.WriteString(" ON ")

		on := predicate.Eq(predicate.Col(child.alias, j.childCol), predicate.Col(parent.alias, j.parentCol))
		s, err := c.r.Render(predicate.And(on, child.where))
		if err != nil {
			return err
		}
		b.WriteString(stripParens(s))

		if err := c.joins(b, child); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) orderBy(n *Node, outs []output, keys []sortKey) (string, error) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		var s string
		if len(n.setOps) > 0 {
			s = c.quote(outs[k.out].name)
		} else {
			c.r.Scope(scope(n)...)
			r, err := c.r.Render(k.expr)
			c.r.Scope()
			if err != nil {
				return "", err
			}
			s = r
		}
		if k.desc {
			s += " DESC"
		}
		parts[i] = s
	}
	return strings.Join(parts, ", "), nil
}

// window pages body with ROW_NUMBER over the sort keys.
func (c *compiler) window(body string, outs []output, keys []sortKey, skip, take int) string {
	src, page, rn := c.quote("__src"), c.quote("__page"), c.quote("__rn")

	over := make([]string, len(keys))
	for i, k := range keys {
		over[i] = src + "." + c.quote(outs[k.out].name)
		if k.desc {
			over[i] += " DESC"
		}
	}
	cols := make([]string, len(outs))
	for i, o := range outs {
		cols[i] = page + "." + c.quote(o.name)
	}

	var cond []string
	if skip > 0 {
		cond = append(cond, fmt.Sprintf("%s.%s > %d", page, rn, skip))
	}
	if take >= 0 {
		cond = append(cond, fmt.Sprintf("%s.%s <= %d", page, rn, skip+take))
	}

	return "SELECT " + strings.Join(cols, ", ") +
		" FROM (SELECT " + src + ".*, ROW_NUMBER() OVER (" + orderClause(over) + ") AS " + rn +
		" FROM (" + body + ") AS " + src + ") AS " + page +
		" WHERE " + strings.Join(cond, " AND ") +
		" ORDER BY " + page + "." + rn
}

func orderClause(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return "ORDER BY " + strings.Join(keys, ", ")
}

// stripParens drops the outer parentheses And/Or put around a whole clause.
func stripParens(s string) string {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return s
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return s
			}
		}
	}
	return s[1 : len(s)-1]
}
