package query

import (
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/predicate"
	"github.com/roach88/keel/internal/schema"
)

// SetKind is the kind of a set operation.
type SetKind uint8

const (
	Union SetKind = iota
	UnionAll
	Intersect
	Except
)

func (k SetKind) String() string {
	switch k {
	case Union:
		return "UNION"
	case UnionAll:
		return "UNION ALL"
	case Intersect:
		return "INTERSECT"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

type join struct {
	left      bool
	parentCol string
	child     *Node
	childCol  string
}

type setOp struct {
	kind  SetKind
	other *Node
}

type order struct {
	expr predicate.Expr
	desc bool
}

// Node is one query tree, or a table joined into one.
type Node struct {
	exec  Executor
	table *schema.Table
	alias *predicate.Alias

	where    predicate.Expr
	useOr    bool
	joins    []*join
	orders   []order
	take     int // -1 when unset
	skip     int
	setOps   []setOp
	proj     []predicate.Expr // nil selects the entity
	distinct bool
	groupBy  []predicate.Expr
	having   predicate.Expr

	// moved maps aliases of the trees this one was cloned from to its own,
	// so expressions built against an ancestor still bind here.
	moved    map[*predicate.Alias]*predicate.Alias
	frozen   bool
	attached bool
	err      error
	buf      *buffer
	// found caches the answer of an Any probe on an unmaterialized tree.
	found *bool
}

// From starts a query over table, executed by exec. A nil exec is allowed
// for trees that are only compiled.
func From(exec Executor, table *schema.Table) *Node {
	return &Node{
		exec:  exec,
		table: table,
		alias: predicate.NewAlias(table.Name),
		take:  -1,
	}
}

// Table returns the node's table.
func (n *Node) Table() *schema.Table {
	return n.table
}

// Alias returns the node's table alias.
func (n *Node) Alias() *predicate.Alias {
	return n.alias
}

// Col references a column of the node's table.
func (n *Node) Col(name string) predicate.Expr {
	if n.table.Column(name) == nil {
		n.fail(ormerr.Usage("table %s has no column %q", n.table.Name, name))
	}
	return predicate.Col(n.alias, name)
}

// Err returns the first composition error recorded on the tree.
func (n *Node) Err() error {
	if n.err != nil {
		return n.err
	}
	for _, j := range n.joins {
		if err := j.child.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Frozen reports whether mutators return clones.
func (n *Node) Frozen() bool {
	return n.frozen
}

// Materialized reports whether the tree holds buffered results.
func (n *Node) Materialized() bool {
	return n.buf != nil
}

// Freeze makes the tree immutable. Later mutators return clones.
func (n *Node) Freeze() *Node {
	n.frozen = true
	return n
}

func (n *Node) fail(err error) {
	if n.err == nil {
		n.err = err
	}
}

func (n *Node) mutable() *Node {
	if n.frozen {
		return n.Clone()
	}
	return n
}

func (n *Node) rebind(e predicate.Expr) predicate.Expr {
	if n.moved == nil {
		return e
	}
	return predicate.Rebind(e, n.moved)
}

// Clone returns a deep copy that shares no mutable state with n. The copy
// is not frozen and holds no results. Expressions built against n's
// aliases are rebound when passed to the copy's mutators.
func (n *Node) Clone() *Node {
	m := make(map[*predicate.Alias]*predicate.Alias)
	c := n.cloneInto(m)

	c.moved = make(map[*predicate.Alias]*predicate.Alias, len(m)+len(n.moved))
	for orig, cur := range n.moved {
		if next, ok := m[cur]; ok {
			c.moved[orig] = next
		}
	}
	for cur, next := range m {
		c.moved[cur] = next
	}
	return c
}

func (n *Node) cloneInto(m map[*predicate.Alias]*predicate.Alias) *Node {
	c := &Node{
		exec:     n.exec,
		table:    n.table,
		alias:    predicate.NewAlias(n.table.Name),
		useOr:    n.useOr,
		take:     n.take,
		skip:     n.skip,
		distinct: n.distinct,
		err:      n.err,
	}
	m[n.alias] = c.alias

	for _, j := range n.joins {
		child := j.child.cloneInto(m)
		child.attached = true
		c.joins = append(c.joins, &join{left: j.left, parentCol: j.parentCol, child: child, childCol: j.childCol})
	}
	for _, s := range n.setOps {
		c.setOps = append(c.setOps, setOp{kind: s.kind, other: s.other.Clone().Freeze()})
	}

	c.where = predicate.Rebind(n.where, m)
	c.having = predicate.Rebind(n.having, m)
	for _, o := range n.orders {
		c.orders = append(c.orders, order{expr: predicate.Rebind(o.expr, m), desc: o.desc})
	}
	c.proj = rebindAll(n.proj, m)
	c.groupBy = rebindAll(n.groupBy, m)
	return c
}

func rebindAll(exprs []predicate.Expr, m map[*predicate.Alias]*predicate.Alias) []predicate.Expr {
	if exprs == nil {
		return nil
	}
	out := make([]predicate.Expr, len(exprs))
	for i, e := range exprs {
		out[i] = predicate.Rebind(e, m)
	}
	return out
}

// Where adds a filter, combined with the existing one by the last chosen
// combinator (AND unless Or was called). The first filter assigns.
func (n *Node) Where(p predicate.Expr) *Node {
	c := n.mutable()
	if p == nil {
		c.fail(ormerr.Usage("Where: nil predicate"))
		return c
	}
	p = c.rebind(p)
	switch {
	case c.where == nil:
		c.where = p
	case c.useOr:
		c.where = predicate.Or(c.where, p)
	default:
		c.where = predicate.And(c.where, p)
	}
	return c
}

// And makes following Where calls combine with AND.
func (n *Node) And() *Node {
	c := n.mutable()
	c.useOr = false
	return c
}

// Or makes following Where calls combine with OR.
func (n *Node) Or() *Node {
	c := n.mutable()
	c.useOr = true
	return c
}

// Join inner-joins child on n.parentCol = child.childCol. The child's own
// filters go into the ON clause. The child is attached, not copied, so
// expressions built from its alias stay valid; it is frozen by the join.
func (n *Node) Join(child *Node, parentCol, childCol string) *Node {
	return n.addJoin(false, child, parentCol, childCol)
}

// LeftJoin is Join with LEFT JOIN semantics.
func (n *Node) LeftJoin(child *Node, parentCol, childCol string) *Node {
	return n.addJoin(true, child, parentCol, childCol)
}

func (n *Node) addJoin(left bool, child *Node, parentCol, childCol string) *Node {
	c := n.mutable()
	switch {
	case child == nil:
		c.fail(ormerr.Usage("Join: nil node"))
	case child == n || child == c || child.contains(n) || child.contains(c):
		c.fail(ormerr.Usage("Join: cannot join a query into itself"))
	case child.attached:
		c.fail(ormerr.Usage("Join: %s is already joined into another query", child.table.Name))
	case !child.plain():
		c.fail(ormerr.Usage("Join: joined %s query may only filter and join", child.table.Name))
	case c.table.Column(parentCol) == nil:
		c.fail(ormerr.Usage("Join: table %s has no column %q", c.table.Name, parentCol))
	case child.table.Column(childCol) == nil:
		c.fail(ormerr.Usage("Join: table %s has no column %q", child.table.Name, childCol))
	default:
		child.attached = true
		child.frozen = true
		c.joins = append(c.joins, &join{left: left, parentCol: parentCol, child: child, childCol: childCol})
	}
	return c
}

// plain reports whether the node only filters and joins.
func (n *Node) plain() bool {
	return len(n.orders) == 0 && n.take < 0 && n.skip == 0 && len(n.setOps) == 0 &&
		n.proj == nil && !n.distinct && len(n.groupBy) == 0 && n.having == nil
}

// contains reports whether target is part of n's tree.
func (n *Node) contains(target *Node) bool {
	if n == target {
		return true
	}
	for _, j := range n.joins {
		if j.child.contains(target) {
			return true
		}
	}
	for _, s := range n.setOps {
		if s.other.contains(target) {
			return true
		}
	}
	return false
}

// OrderBy appends an ascending sort key.
func (n *Node) OrderBy(e predicate.Expr) *Node {
	return n.addOrder(e, false)
}

// OrderByDesc appends a descending sort key.
func (n *Node) OrderByDesc(e predicate.Expr) *Node {
	return n.addOrder(e, true)
}

func (n *Node) addOrder(e predicate.Expr, desc bool) *Node {
	c := n.mutable()
	if e == nil {
		c.fail(ormerr.Usage("OrderBy: nil expression"))
		return c
	}
	c.orders = append(c.orders, order{expr: c.rebind(e), desc: desc})
	return c
}

// Take limits the result to count rows. Taking again keeps the smaller
// limit.
func (n *Node) Take(count int) *Node {
	c := n.mutable()
	if count < 0 {
		c.fail(ormerr.Usage("Take: negative count %d", count))
		return c
	}
	if c.take < 0 || count < c.take {
		c.take = count
	}
	return c
}

// Skip drops the first count rows. Skipping after Take skips within the
// taken rows.
func (n *Node) Skip(count int) *Node {
	c := n.mutable()
	if count < 0 {
		c.fail(ormerr.Usage("Skip: negative count %d", count))
		return c
	}
	if c.take >= 0 {
		c.take = max(c.take-count, 0)
	}
	c.skip += count
	return c
}

// Select projects the given expressions instead of the entity.
func (n *Node) Select(exprs ...predicate.Expr) *Node {
	c := n.mutable()
	if len(exprs) == 0 {
		c.fail(ormerr.Usage("Select: no expressions"))
		return c
	}
	c.proj = make([]predicate.Expr, len(exprs))
	for i, e := range exprs {
		if e == nil {
			c.fail(ormerr.Usage("Select: nil expression at %d", i))
			return c
		}
		c.proj[i] = c.rebind(e)
	}
	return c
}

// Distinct drops duplicate rows.
func (n *Node) Distinct() *Node {
	c := n.mutable()
	c.distinct = true
	return c
}

// GroupBy groups rows by the given keys.
func (n *Node) GroupBy(keys ...predicate.Expr) *Node {
	c := n.mutable()
	for _, k := range keys {
		if k == nil {
			c.fail(ormerr.Usage("GroupBy: nil expression"))
			return c
		}
		c.groupBy = append(c.groupBy, c.rebind(k))
	}
	return c
}

// Having filters groups.
func (n *Node) Having(p predicate.Expr) *Node {
	c := n.mutable()
	if p == nil {
		c.fail(ormerr.Usage("Having: nil predicate"))
		return c
	}
	c.having = predicate.And(c.having, c.rebind(p))
	return c
}

// Union appends other with UNION.
func (n *Node) Union(other *Node) *Node { return n.addSetOp(Union, other) }

// UnionAll appends other with UNION ALL.
func (n *Node) UnionAll(other *Node) *Node { return n.addSetOp(UnionAll, other) }

// Intersect appends other with INTERSECT.
func (n *Node) Intersect(other *Node) *Node { return n.addSetOp(Intersect, other) }

// Except appends other with EXCEPT.
func (n *Node) Except(other *Node) *Node { return n.addSetOp(Except, other) }

// addSetOp attaches a frozen snapshot of other, so later changes to other
// do not leak into n.
func (n *Node) addSetOp(kind SetKind, other *Node) *Node {
	c := n.mutable()
	switch {
	case other == nil:
		c.fail(ormerr.Usage("%s: nil node", kind))
	case other == n || other == c || other.contains(n) || other.contains(c) || n.contains(other):
		c.fail(ormerr.Usage("%s: cannot combine a query with itself", kind))
	case other.Err() != nil:
		c.fail(other.Err())
	case !sameShape(c, other):
		c.fail(ormerr.Usage("%s: operands project different columns (%d vs %d)", kind, width(c), width(other)))
	default:
		c.setOps = append(c.setOps, setOp{kind: kind, other: other.Clone().Freeze()})
	}
	return c
}

func width(n *Node) int {
	if n.proj == nil {
		return len(n.table.Columns)
	}
	return len(n.proj)
}

func sameShape(a, b *Node) bool {
	if (a.proj == nil) != (b.proj == nil) {
		return false
	}
	if a.proj == nil {
		return a.table == b.table
	}
	return len(a.proj) == len(b.proj)
}
