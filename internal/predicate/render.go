package predicate

import (
	"strconv"
	"strings"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/ormerr"
)

// Renderer turns expressions into SQL text for one statement and collects
// the bound arguments in placeholder order.
type Renderer struct {
	d     dialect.Dialect
	args  []any
	scope map[*Alias]bool
}

// NewRenderer creates a renderer for d. A nil dialect renders SQLite text.
func NewRenderer(d dialect.Dialect) *Renderer {
	if d == nil {
		d = dialect.SQLite{}
	}
	return &Renderer{d: d}
}

// Dialect returns the renderer's dialect.
func (r *Renderer) Dialect() dialect.Dialect {
	return r.d
}

// Bind appends v to the argument list and returns its placeholder.
func (r *Renderer) Bind(v any) string {
	r.args = append(r.args, v)
	return r.d.Placeholder(len(r.args))
}

// Args returns the arguments bound so far.
func (r *Renderer) Args() []any {
	return r.args
}

// Quote quotes an identifier for the dialect.
func (r *Renderer) Quote(ident string) string {
	return r.d.Quote(ident)
}

// Scope restricts member references to the given aliases. Rendering a
// member of any other alias fails with a usage error. Calling Scope with no
// aliases removes the restriction.
func (r *Renderer) Scope(aliases ...*Alias) {
	if len(aliases) == 0 {
		r.scope = nil
		return
	}
	r.scope = make(map[*Alias]bool, len(aliases))
	for _, a := range aliases {
		r.scope[a] = true
	}
}

// Render renders e, appending its arguments.
func (r *Renderer) Render(e Expr) (string, error) {
	if e == nil {
		return "", ormerr.Usage("nil expression")
	}
	return e.render(r)
}

func (m member) render(r *Renderer) (string, error) {
	if m.alias == nil {
		return r.Quote(m.column), nil
	}
	if r.scope != nil && !r.scope[m.alias] {
		return "", ormerr.Usage("column %q references table %q, which is not part of this query", m.column, m.alias.Table)
	}
	return m.alias.Name() + "." + r.Quote(m.column), nil
}

func (p param) render(r *Renderer) (string, error) {
	return r.Bind(p.value), nil
}

func (l literal) render(r *Renderer) (string, error) {
	if l.isBool {
		return r.d.Bool(l.b), nil
	}
	return l.text, nil
}

func (o op) render(r *Renderer) (string, error) {
	var b strings.Builder
	t := o.template
	for i := 0; i < len(t); i++ {
		if t[i] != '{' {
			b.WriteByte(t[i])
			continue
		}
		end := strings.IndexByte(t[i:], '}')
		if end < 0 {
			return "", ormerr.Usage("unterminated placeholder in template %q", t)
		}
		n, err := strconv.Atoi(t[i+1 : i+end])
		if err != nil || n < 0 || n >= len(o.args) {
			return "", ormerr.Usage("bad placeholder %q in template %q", t[i:i+end+1], t)
		}
		s, err := o.args[n].render(r)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
		i += end
	}
	return b.String(), nil
}

func (s inSet) render(r *Renderer) (string, error) {
	switch len(s.values) {
	case 0:
		return "1 = 0", nil
	case 1:
		return Eq(s.member, s.values[0]).render(r)
	}
	m, err := s.member.render(r)
	if err != nil {
		return "", err
	}
	return r.d.InSet(m, s.values, r.Bind), nil
}

func (a aggregate) render(r *Renderer) (string, error) {
	arg := "*"
	if a.arg != nil {
		s, err := a.arg.render(r)
		if err != nil {
			return "", err
		}
		arg = s
	}
	if a.distinct {
		arg = "DISTINCT " + arg
	}
	return a.fn + "(" + arg + ")", nil
}

func (n named) render(r *Renderer) (string, error) {
	return n.expr.render(r)
}
