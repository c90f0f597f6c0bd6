package predicate

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ormerr"
)

// Context says where an expression will be rendered.
type Context int

const (
	// InFilter is a WHERE or ON clause; aggregates are not allowed.
	InFilter Context = iota
	// InProjection is a select list; aggregates are allowed.
	InProjection
	// InOrdering is an ORDER BY or GROUP BY key.
	InOrdering
)

// Validate checks that e only references aliases in scope and that it
// uses aggregates only where the context allows them.
//
// Problems are collected during one traversal and reported together as a
// usage error. Validate is a pure function with no side effects.
func Validate(e Expr, ctx Context, scope []*Alias) error {
	if e == nil {
		return ormerr.Usage("nil expression")
	}

	v := &validator{ctx: ctx, scope: make(map[*Alias]bool, len(scope))}
	for _, a := range scope {
		v.scope[a] = true
	}
	e.walk(v.visit)

	if len(v.problems) == 0 {
		return nil
	}
	return ormerr.Usage("invalid expression %s: %s", String(e), strings.Join(v.problems, "; "))
}

// validator accumulates problems during traversal.
type validator struct {
	ctx      Context
	scope    map[*Alias]bool
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) visit(n Expr) {
	switch x := n.(type) {
	case member:
		if x.alias != nil && !v.scope[x.alias] {
			v.addProblem("column %q of table %q is not in scope", x.column, x.alias.Table)
		}
	case aggregate:
		if v.ctx == InFilter {
			v.addProblem("aggregate %s is not allowed in a filter", x.fn)
		}
	case named:
		if v.ctx != InProjection {
			v.addProblem("named expression %q is only allowed in a projection", x.name)
		}
	}
}
