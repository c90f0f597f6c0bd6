package schema

import "fmt"

// Cursor is the part of *sql.Rows a materializer needs.
type Cursor interface {
	Columns() ([]string, error)
	Scan(dest ...any) error
}

// Materializer turns the current row of a cursor into a new instance of t.
// Implementations must match columns by name, never by position.
type Materializer interface {
	Materialize(t *Table, cur Cursor) (Entity, error)
}

// DescriptorMaterializer materializes rows through the table's column
// descriptors. Result columns unknown to the table are scanned and dropped.
type DescriptorMaterializer struct{}

// Materialize implements Materializer.
func (DescriptorMaterializer) Materialize(t *Table, cur Cursor) (Entity, error) {
	names, err := cur.Columns()
	if err != nil {
		return nil, fmt.Errorf("materialize %s: columns: %w", t.Name, err)
	}

	e := t.New()
	dest := make([]any, len(names))
	boxes := make([]Box, 0, len(names))
	for i, name := range names {
		col := t.Column(name)
		if col == nil {
			dest[i] = new(any)
			continue
		}
		box := col.Box(e)
		dest[i] = box.ScanTarget()
		boxes = append(boxes, box)
	}

	if err := cur.Scan(dest...); err != nil {
		return nil, fmt.Errorf("materialize %s: scan: %w", t.Name, err)
	}
	for _, box := range boxes {
		box.MarkLoaded()
	}
	return e, nil
}
