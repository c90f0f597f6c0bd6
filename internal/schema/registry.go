package schema

import (
	"fmt"
	"sort"
)

// Registry holds every entity descriptor of an application. Tables are
// registered once at startup; foreign key targets are resolved by name so
// tables may reference each other in any declaration order.
type Registry struct {
	tables map[string]*Table
	// referencing maps a table name to foreign keys pointing at it.
	referencing map[string][]*ForeignKey
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tables:      make(map[string]*Table),
		referencing: make(map[string][]*ForeignKey),
	}
}

// Register adds tables and resolves every foreign key whose target is now known.
func (r *Registry) Register(tables ...*Table) error {
	for _, t := range tables {
		if _, dup := r.tables[t.Name]; dup {
			return fmt.Errorf("register %s: table already registered", t.Name)
		}
		r.tables[t.Name] = t
	}
	r.resolve()
	return nil
}

// MustRegister is Register for package initialization.
func (r *Registry) MustRegister(tables ...*Table) *Registry {
	if err := r.Register(tables...); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) resolve() {
	r.referencing = make(map[string][]*ForeignKey)
	for _, name := range r.names() {
		t := r.tables[name]
		for _, fk := range t.ForeignKeys {
			if target, ok := r.tables[fk.TargetName]; ok {
				fk.Target = target
				r.referencing[target.Name] = append(r.referencing[target.Name], fk)
			}
		}
	}
}

// Check reports the first foreign key whose target table is unknown.
func (r *Registry) Check() error {
	for _, name := range r.names() {
		for _, fk := range r.tables[name].ForeignKeys {
			if fk.Target == nil {
				return fmt.Errorf("table %s: reference %q targets unknown table %q", name, fk.Name, fk.TargetName)
			}
		}
	}
	return nil
}

// Lookup returns the table with the given name.
func (r *Registry) Lookup(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns all registered tables sorted by name.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.tables))
	for _, name := range r.names() {
		out = append(out, r.tables[name])
	}
	return out
}

// Referencing returns the foreign keys that point at t.
func (r *Registry) Referencing(t *Table) []*ForeignKey {
	return r.referencing[t.Name]
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
