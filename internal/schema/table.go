package schema

import (
	"fmt"
)

// IdentityKind is the width of a table's identity column.
type IdentityKind uint8

const (
	// IdentityInt64 marks a long (64-bit) identity.
	IdentityInt64 IdentityKind = iota
	// IdentityInt32 marks an integer (32-bit) identity.
	IdentityInt32
)

// Column describes one persisted column of an entity type.
type Column struct {
	Name    string
	SQLType string
	// Index is the position of the column within Table.Columns.
	Index int

	Nullable bool
	// Required columns must be set (Loaded or Assigned) before insert.
	Required bool
	// Identity is the server-assigned key column.
	Identity bool
	// RowVersion is the optimistic concurrency token column.
	RowVersion bool
	// Computed columns are never written by the mapper.
	Computed bool

	box func(Entity) Box
}

// Box returns the column's box on e.
func (c *Column) Box(e Entity) Box {
	return c.box(e)
}

// Writable reports whether the mapper writes the column on insert/update.
func (c *Column) Writable() bool {
	return !c.Identity && !c.RowVersion && !c.Computed
}

// ForeignKey describes a reference from one table's column to another
// table's identity.
type ForeignKey struct {
	// Name is the relationship name used by Session.Resolve.
	Name string
	// Owner is the referencing table.
	Owner  *Table
	Column *Column
	// TargetName is the referenced table; Target is filled in by
	// Registry.Register once both tables are known.
	TargetName string
	Target     *Table

	ref func(Entity) *Ref
}

// Ref returns the relationship reference on e.
func (fk *ForeignKey) Ref(e Entity) *Ref {
	return fk.ref(e)
}

// Nullable reports whether the referencing column accepts NULL.
func (fk *ForeignKey) Nullable() bool {
	return fk.Column.Nullable
}

// Table is the static descriptor of an entity type, built once at startup.
type Table struct {
	Name         string
	Columns      []*Column
	Key          *Column
	IdentityKind IdentityKind
	// Version is the row version column, nil when the type does not
	// support optimistic concurrency.
	Version     *Column
	ForeignKeys []*ForeignKey

	ctor     func() Entity
	byName   map[string]*Column
	fkByName map[string]*ForeignKey
}

// New constructs an empty entity of this type.
func (t *Table) New() Entity {
	return t.ctor()
}

// Column looks up a column by name.
func (t *Table) Column(name string) *Column {
	return t.byName[name]
}

// ForeignKey looks up a relationship by name.
func (t *Table) ForeignKey(name string) *ForeignKey {
	return t.fkByName[name]
}

// Versioned reports whether the table carries a row version.
func (t *Table) Versioned() bool {
	return t.Version != nil
}

// WritableColumns returns the columns the mapper writes, in declaration order.
func (t *Table) WritableColumns() []*Column {
	var cols []*Column
	for _, c := range t.Columns {
		if c.Writable() {
			cols = append(cols, c)
		}
	}
	return cols
}

func (t *Table) String() string {
	return t.Name
}

// ColumnOption customizes a column declaration.
type ColumnOption func(*Column)

// Nullable marks a column as accepting NULL.
func Nullable() ColumnOption {
	return func(c *Column) { c.Nullable = true }
}

// Required marks a column that must be set before insert.
func Required() ColumnOption {
	return func(c *Column) { c.Required = true }
}

// Computed marks a server-maintained column that is read but never written.
func Computed() ColumnOption {
	return func(c *Column) { c.Computed = true }
}

// Builder declares a Table for entity type E.
type Builder[E Entity] struct {
	t    *Table
	errs []error
}

// NewTable starts a descriptor for entity type E stored in table name.
func NewTable[E Entity](name string, ctor func() E) *Builder[E] {
	return &Builder[E]{
		t: &Table{
			Name:     name,
			ctor:     func() Entity { return ctor() },
			byName:   make(map[string]*Column),
			fkByName: make(map[string]*ForeignKey),
		},
	}
}

func (b *Builder[E]) add(c *Column) {
	if c.Name == "" {
		b.errs = append(b.errs, fmt.Errorf("table %s: empty column name", b.t.Name))
		return
	}
	if _, dup := b.t.byName[c.Name]; dup {
		b.errs = append(b.errs, fmt.Errorf("table %s: duplicate column %q", b.t.Name, c.Name))
		return
	}
	c.Index = len(b.t.Columns)
	b.t.Columns = append(b.t.Columns, c)
	b.t.byName[c.Name] = c
}

func erase[E Entity, B Box](box func(E) B) func(Entity) Box {
	return func(e Entity) Box { return box(e.(E)) }
}

// Identity declares the server-assigned key column.
func (b *Builder[E]) Identity(name string, kind IdentityKind, box func(E) Box) *Builder[E] {
	if b.t.Key != nil {
		b.errs = append(b.errs, fmt.Errorf("table %s: second identity column %q", b.t.Name, name))
		return b
	}
	c := &Column{Name: name, SQLType: "INTEGER", Identity: true, box: erase(box)}
	b.add(c)
	b.t.Key = c
	b.t.IdentityKind = kind
	return b
}

// Column declares a persisted column.
func (b *Builder[E]) Column(name, sqlType string, box func(E) Box, opts ...ColumnOption) *Builder[E] {
	c := &Column{Name: name, SQLType: sqlType, box: erase(box)}
	for _, opt := range opts {
		opt(c)
	}
	b.add(c)
	return b
}

// RowVersion declares the optimistic concurrency token column.
func (b *Builder[E]) RowVersion(name string, box func(E) *Field[int64]) *Builder[E] {
	c := &Column{Name: name, SQLType: "INTEGER", RowVersion: true, box: erase(box)}
	b.add(c)
	b.t.Version = c
	return b
}

// References declares relationship name from the already declared column to
// target's identity.
func (b *Builder[E]) References(name, column, target string, ref func(E) *Ref) *Builder[E] {
	col := b.t.byName[column]
	if col == nil {
		b.errs = append(b.errs, fmt.Errorf("table %s: reference %q uses undeclared column %q", b.t.Name, name, column))
		return b
	}
	if _, dup := b.t.fkByName[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("table %s: duplicate reference %q", b.t.Name, name))
		return b
	}
	fk := &ForeignKey{
		Name:       name,
		Owner:      b.t,
		Column:     col,
		TargetName: target,
		ref:        func(e Entity) *Ref { return ref(e.(E)) },
	}
	b.t.ForeignKeys = append(b.t.ForeignKeys, fk)
	b.t.fkByName[name] = fk
	return b
}

// Build validates and returns the descriptor.
func (b *Builder[E]) Build() (*Table, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.t.Key == nil {
		return nil, fmt.Errorf("table %s: no identity column", b.t.Name)
	}
	return b.t, nil
}

// MustBuild is Build for package-level descriptor variables.
func (b *Builder[E]) MustBuild() *Table {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
