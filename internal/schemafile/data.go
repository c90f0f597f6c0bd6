package schemafile

import (
	"fmt"

	"github.com/roach88/keel/internal/schema"
)

// DataFile is a seed file: rows to insert, in any order. A row may carry a
// label so that other rows can reference it before either is persisted.
type DataFile struct {
	Rows []RowSpec `yaml:"rows" json:"rows"`
}

// RowSpec is one row to insert.
type RowSpec struct {
	Table  string            `yaml:"table" json:"table"`
	Label  string            `yaml:"label,omitempty" json:"label,omitempty"`
	Values map[string]any    `yaml:"values,omitempty" json:"values,omitempty"`
	Refs   map[string]string `yaml:"refs,omitempty" json:"refs,omitempty"`
}

// LoadData reads a data file.
func LoadData(path string) (*DataFile, error) {
	var d DataFile
	if err := decode(path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Entities builds one new record per row, with references linked to the
// labeled records they name. The records are not persisted.
func (d *DataFile) Entities(reg *schema.Registry) ([]schema.Entity, error) {
	out := make([]schema.Entity, len(d.Rows))
	labels := make(map[string]schema.Entity)

	for i, row := range d.Rows {
		t, ok := reg.Lookup(Ident(row.Table))
		if !ok {
			return nil, fmt.Errorf("row %d: unknown table %q", i, row.Table)
		}
		e := t.New()
		rec, ok := e.(*schema.Record)
		if !ok {
			return nil, fmt.Errorf("row %d: table %s is not a record table", i, t.Name)
		}
		for name, v := range row.Values {
			if err := rec.Set(Ident(name), v); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		if row.Label != "" {
			label := Ident(row.Label)
			if _, dup := labels[label]; dup {
				return nil, fmt.Errorf("row %d: duplicate label %q", i, label)
			}
			labels[label] = e
		}
		out[i] = e
	}

	for i, row := range d.Rows {
		e := out[i]
		for name, label := range row.Refs {
			fk := e.Table().ForeignKey(Ident(name))
			if fk == nil {
				return nil, fmt.Errorf("row %d: table %s has no reference %q", i, e.Table().Name, name)
			}
			target, ok := labels[Ident(label)]
			if !ok {
				return nil, fmt.Errorf("row %d: unknown label %q", i, label)
			}
			if err := schema.Link(e, fk, target); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
	}
	return out, nil
}
