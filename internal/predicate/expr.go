package predicate

import (
	"fmt"
	"strconv"
	"strings"
)

// Alias is a table occurrence within one query tree.
type Alias struct {
	Table   string
	ordinal int
}

// NewAlias creates an alias for table. Its ordinal is assigned at emission.
func NewAlias(table string) *Alias {
	return &Alias{Table: table}
}

// SetOrdinal fixes the alias ordinal. Called by the compiler.
func (a *Alias) SetOrdinal(n int) {
	a.ordinal = n
}

// Ordinal returns the alias ordinal.
func (a *Alias) Ordinal() int {
	return a.ordinal
}

// Name returns the rendered alias name.
func (a *Alias) Name() string {
	return "t" + strconv.Itoa(a.ordinal)
}

// Expr is an immutable expression node.
//
// This is a sealed interface - only types in this package implement it.
type Expr interface {
	render(r *Renderer) (string, error)
	rebind(m map[*Alias]*Alias) Expr
	walk(fn func(Expr))
}

type member struct {
	alias  *Alias
	column string
}

type param struct {
	value any
}

type literal struct {
	text   string // fixed text for NULL and integers
	isBool bool
	b      bool
}

type op struct {
	template string
	args     []Expr
}

type inSet struct {
	member Expr
	values []any
}

type aggregate struct {
	fn       string
	arg      Expr // nil means *
	distinct bool
}

type named struct {
	expr Expr
	name string
}

// Col references column of alias. A nil alias renders the bare column, for
// single-table statements such as UPDATE and DELETE.
func Col(alias *Alias, column string) Expr {
	return member{alias: alias, column: column}
}

// Val wraps a value: hot literals render inline, everything else is bound.
func Val(v any) Expr {
	switch x := v.(type) {
	case nil:
		return literal{text: "NULL"}
	case bool:
		return literal{isBool: true, b: x}
	case int:
		if x == 0 || x == 1 {
			return literal{text: strconv.Itoa(x)}
		}
	case int64:
		if x == 0 || x == 1 {
			return literal{text: strconv.FormatInt(x, 10)}
		}
	case int32:
		if x == 0 || x == 1 {
			return literal{text: strconv.FormatInt(int64(x), 10)}
		}
	}
	return param{value: v}
}

// Param always binds v, even when it is a hot literal.
func Param(v any) Expr {
	return param{value: v}
}

// Op builds an operator node from a template. "{i}" is replaced by the
// rendering of args[i]; arguments render in template order.
func Op(template string, args ...Expr) Expr {
	return op{template: template, args: args}
}

func operand(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return Val(v)
}

func isNullLiteral(e Expr) bool {
	l, ok := e.(literal)
	return ok && l.text == "NULL"
}

// Eq compares a and b. Comparing with NULL renders IS NULL.
func Eq(a Expr, b any) Expr {
	rhs := operand(b)
	if isNullLiteral(rhs) {
		return IsNull(a)
	}
	return Op("{0} = {1}", a, rhs)
}

// Ne compares a and b for inequality. Comparing with NULL renders IS NOT NULL.
func Ne(a Expr, b any) Expr {
	rhs := operand(b)
	if isNullLiteral(rhs) {
		return NotNull(a)
	}
	return Op("{0} <> {1}", a, rhs)
}

func Lt(a Expr, b any) Expr   { return Op("{0} < {1}", a, operand(b)) }
func Le(a Expr, b any) Expr   { return Op("{0} <= {1}", a, operand(b)) }
func Gt(a Expr, b any) Expr   { return Op("{0} > {1}", a, operand(b)) }
func Ge(a Expr, b any) Expr   { return Op("{0} >= {1}", a, operand(b)) }
func Like(a Expr, b any) Expr { return Op("{0} LIKE {1}", a, operand(b)) }

// IsNull tests a for NULL.
func IsNull(a Expr) Expr { return Op("{0} IS NULL", a) }

// NotNull tests a for NOT NULL.
func NotNull(a Expr) Expr { return Op("{0} IS NOT NULL", a) }

// Not negates a.
func Not(a Expr) Expr { return Op("NOT ({0})", a) }

// And combines predicates with AND. Nil operands are skipped; And of nothing
// is nil.
func And(preds ...Expr) Expr {
	return combine("AND", preds)
}

// Or combines predicates with OR. Nil operands are skipped.
func Or(preds ...Expr) Expr {
	return combine("OR", preds)
}

func combine(word string, preds []Expr) Expr {
	var args []Expr
	for _, p := range preds {
		if p != nil {
			args = append(args, p)
		}
	}
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	}
	parts := make([]string, len(args))
	for i := range args {
		parts[i] = "{" + strconv.Itoa(i) + "}"
	}
	return Op("("+strings.Join(parts, " "+word+" ")+")", args...)
}

// In tests a for membership in values.
func In(a Expr, values ...any) Expr {
	return inSet{member: a, values: append([]any(nil), values...)}
}

// CountAll is COUNT(*).
func CountAll() Expr { return aggregate{fn: "COUNT"} }

// Count is COUNT(a).
func Count(a Expr) Expr { return aggregate{fn: "COUNT", arg: a} }

// CountDistinct is COUNT(DISTINCT a).
func CountDistinct(a Expr) Expr { return aggregate{fn: "COUNT", arg: a, distinct: true} }

func Max(a Expr) Expr { return aggregate{fn: "MAX", arg: a} }
func Min(a Expr) Expr { return aggregate{fn: "MIN", arg: a} }
func Sum(a Expr) Expr { return aggregate{fn: "SUM", arg: a} }
func Avg(a Expr) Expr { return aggregate{fn: "AVG", arg: a} }

// Aggregate builds fn(a) for one of COUNT, MAX, MIN, SUM, AVG.
func Aggregate(fn string, a Expr, distinct bool) Expr {
	return aggregate{fn: strings.ToUpper(fn), arg: a, distinct: distinct}
}

// As names an expression in a projection list.
func As(e Expr, name string) Expr {
	return named{expr: e, name: name}
}

// Column describes a member expression: its alias and column name.
func Column(e Expr) (*Alias, string, bool) {
	switch x := e.(type) {
	case member:
		return x.alias, x.column, true
	case named:
		return Column(x.expr)
	}
	return nil, "", false
}

// OutputName is the column name a projection of e produces: the explicit
// name of As, the column of a member, or "" otherwise.
func OutputName(e Expr) string {
	switch x := e.(type) {
	case named:
		return x.name
	case member:
		return x.column
	}
	return ""
}

// Unname strips an As wrapper.
func Unname(e Expr) Expr {
	if n, ok := e.(named); ok {
		return n.expr
	}
	return e
}

// IsAggregate reports whether e is an aggregate call.
func IsAggregate(e Expr) bool {
	_, ok := Unname(e).(aggregate)
	return ok
}

// SameColumn reports whether a and b reference the same alias and column.
func SameColumn(a, b Expr) bool {
	aa, ac, ok1 := Column(Unname(a))
	ba, bc, ok2 := Column(Unname(b))
	return ok1 && ok2 && aa == ba && ac == bc
}

// Aliases returns every alias referenced by e, in first-use order.
func Aliases(e Expr) []*Alias {
	if e == nil {
		return nil
	}
	var out []*Alias
	seen := make(map[*Alias]bool)
	e.walk(func(n Expr) {
		if m, ok := n.(member); ok && m.alias != nil && !seen[m.alias] {
			seen[m.alias] = true
			out = append(out, m.alias)
		}
	})
	return out
}

// Rebind returns e with aliases replaced according to m. Aliases missing
// from m are kept.
func Rebind(e Expr, m map[*Alias]*Alias) Expr {
	if e == nil {
		return nil
	}
	return e.rebind(m)
}

func (m member) rebind(mp map[*Alias]*Alias) Expr {
	if n, ok := mp[m.alias]; ok {
		return member{alias: n, column: m.column}
	}
	return m
}

func (p param) rebind(map[*Alias]*Alias) Expr   { return p }
func (l literal) rebind(map[*Alias]*Alias) Expr { return l }

func (o op) rebind(m map[*Alias]*Alias) Expr {
	args := make([]Expr, len(o.args))
	for i, a := range o.args {
		args[i] = a.rebind(m)
	}
	return op{template: o.template, args: args}
}

func (s inSet) rebind(m map[*Alias]*Alias) Expr {
	return inSet{member: s.member.rebind(m), values: s.values}
}

func (a aggregate) rebind(m map[*Alias]*Alias) Expr {
	if a.arg == nil {
		return a
	}
	return aggregate{fn: a.fn, arg: a.arg.rebind(m), distinct: a.distinct}
}

func (n named) rebind(m map[*Alias]*Alias) Expr {
	return named{expr: n.expr.rebind(m), name: n.name}
}

func (m member) walk(fn func(Expr))  { fn(m) }
func (p param) walk(fn func(Expr))   { fn(p) }
func (l literal) walk(fn func(Expr)) { fn(l) }

func (o op) walk(fn func(Expr)) {
	fn(o)
	for _, a := range o.args {
		a.walk(fn)
	}
}

func (s inSet) walk(fn func(Expr)) {
	fn(s)
	s.member.walk(fn)
}

func (a aggregate) walk(fn func(Expr)) {
	fn(a)
	if a.arg != nil {
		a.arg.walk(fn)
	}
}

func (n named) walk(fn func(Expr)) {
	fn(n)
	n.expr.walk(fn)
}

// String renders e for debugging with "?" placeholders.
func String(e Expr) string {
	if e == nil {
		return "<nil>"
	}
	r := NewRenderer(nil)
	s, err := r.Render(e)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return s
}
