package schema

import (
	"database/sql"
	"fmt"
	"strings"
)

// Record is an entity whose descriptor is built at runtime, for tables
// declared in schema files rather than Go types.
type Record struct {
	table *Table
	boxes []Box
	refs  []*Ref
}

// Table implements Entity.
func (r *Record) Table() *Table {
	return r.table
}

// Box returns the box of column i.
func (r *Record) Box(i int) Box {
	return r.boxes[i]
}

// Get returns the value of the named column.
func (r *Record) Get(name string) (any, error) {
	c := r.table.Column(name)
	if c == nil {
		return nil, fmt.Errorf("%s: unknown column %q", r.table.Name, name)
	}
	return r.boxes[c.Index].Value(), nil
}

// Set assigns the named column.
func (r *Record) Set(name string, v any) error {
	c := r.table.Column(name)
	if c == nil {
		return fmt.Errorf("%s: unknown column %q", r.table.Name, name)
	}
	return r.boxes[c.Index].SetValue(v)
}

// Ref returns the reference of the named relationship.
func (r *Record) Ref(name string) *Ref {
	for i, fk := range r.table.ForeignKeys {
		if fk.Name == name {
			return r.refs[i]
		}
	}
	return nil
}

// RecordColumn declares one column of a record table.
type RecordColumn struct {
	Name     string
	SQLType  string
	Nullable bool
	Required bool
	Computed bool
}

// RecordReference declares a relationship of a record table.
type RecordReference struct {
	Name   string
	Column string
	Target string
}

// RecordSpec declares a record table.
type RecordSpec struct {
	Name       string
	Key        string
	KeyKind    IdentityKind
	Version    string
	Columns    []RecordColumn
	References []RecordReference
}

// NewRecordTable builds a descriptor whose entities are *Record values.
// The key and version columns must appear in Columns.
func NewRecordTable(spec RecordSpec) (*Table, error) {
	var table *Table
	b := NewTable(spec.Name, func() *Record { return newRecord(table) })

	for _, col := range spec.Columns {
		idx := len(b.t.Columns)
		box := func(r *Record) Box { return r.boxes[idx] }
		switch col.Name {
		case spec.Key:
			b.Identity(col.Name, spec.KeyKind, box)
		case spec.Version:
			b.RowVersion(col.Name, func(r *Record) *Field[int64] { return r.boxes[idx].(*Field[int64]) })
		default:
			if _, err := newBox(col.SQLType, false); err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", spec.Name, col.Name, err)
			}
			var opts []ColumnOption
			if col.Nullable {
				opts = append(opts, Nullable())
			}
			if col.Required {
				opts = append(opts, Required())
			}
			if col.Computed {
				opts = append(opts, Computed())
			}
			b.Column(col.Name, strings.ToUpper(col.SQLType), box, opts...)
		}
	}

	for i, ref := range spec.References {
		idx := i
		b.References(ref.Name, ref.Column, ref.Target, func(r *Record) *Ref { return r.refs[idx] })
	}

	t, err := b.Build()
	if err != nil {
		return nil, err
	}
	if spec.Version != "" && t.Version == nil {
		return nil, fmt.Errorf("table %s: version column %q not declared", spec.Name, spec.Version)
	}
	table = t
	return t, nil
}

func newRecord(t *Table) *Record {
	r := &Record{
		table: t,
		boxes: make([]Box, len(t.Columns)),
		refs:  make([]*Ref, len(t.ForeignKeys)),
	}
	for i, c := range t.Columns {
		key := c.Identity || c.RowVersion
		box, _ := newBox(c.SQLType, key)
		r.boxes[i] = box
	}
	for i := range r.refs {
		r.refs[i] = &Ref{}
	}
	return r
}

// newBox picks a Field type for a SQL type. Key and version columns are
// never NULL; every other column uses the sql.Null variant so NULL scans.
func newBox(sqlType string, key bool) (Box, error) {
	if key {
		return &Field[int64]{}, nil
	}
	t := strings.ToUpper(sqlType)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch strings.TrimSpace(t) {
	case "INTEGER", "INT", "BIGINT", "SMALLINT":
		return &Field[sql.NullInt64]{}, nil
	case "TEXT", "VARCHAR", "CHAR", "NVARCHAR", "STRING":
		return &Field[sql.NullString]{}, nil
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL":
		return &Field[sql.NullFloat64]{}, nil
	case "BOOLEAN", "BOOL":
		return &Field[sql.NullBool]{}, nil
	case "DATETIME", "TIMESTAMP", "DATE", "TIMESTAMPTZ":
		return &Field[sql.NullTime]{}, nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", sqlType)
	}
}

// Plain unwraps the sql.Null variants into a value or nil, for display.
func Plain(v any) any {
	switch n := v.(type) {
	case sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
		return nil
	case sql.NullString:
		if n.Valid {
			return n.String
		}
		return nil
	case sql.NullFloat64:
		if n.Valid {
			return n.Float64
		}
		return nil
	case sql.NullBool:
		if n.Valid {
			return n.Bool
		}
		return nil
	case sql.NullTime:
		if n.Valid {
			return n.Time
		}
		return nil
	case sql.NullInt32:
		if n.Valid {
			return n.Int32
		}
		return nil
	}
	return v
}
