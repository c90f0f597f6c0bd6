package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/tracking"
)

// stmtKey identifies generated statement text in the statement cache.
type stmtKey struct {
	table string
	kind  string
	cols  string
}

func signature(cols []*schema.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return strings.Join(names, ",")
}

func (s *Session) statement(key stmtKey, build func() string) string {
	if v, ok := s.stmts.Get(key); ok {
		return v.(string)
	}
	q := build()
	s.stmts.Add(key, q)
	return q
}

// insertColumns returns the writable columns of e that hold a value.
func insertColumns(e schema.Entity) []*schema.Column {
	var cols []*schema.Column
	for _, c := range e.Table().WritableColumns() {
		if c.Box(e).State() != schema.Unset {
			cols = append(cols, c)
		}
	}
	return cols
}

// insertRow inserts e and loads its identity and row version.
func (s *Session) insertRow(ctx context.Context, e schema.Entity, cols []*schema.Column) error {
	t := e.Table()
	d := s.Dialect()
	q := s.statement(stmtKey{t.Name, "insert", signature(cols)}, func() string {
		ret := d.Quote(t.Key.Name)
		if t.Versioned() {
			ret += ", " + d.Quote(t.Version.Name)
		}
		if len(cols) == 0 {
			return "INSERT INTO " + d.Quote(t.Name) + " DEFAULT VALUES RETURNING " + ret
		}
		names := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			names[i] = d.Quote(c.Name)
			marks[i] = d.Placeholder(i + 1)
		}
		return "INSERT INTO " + d.Quote(t.Name) + " (" + strings.Join(names, ", ") +
			") VALUES (" + strings.Join(marks, ", ") + ") RETURNING " + ret
	})

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = c.Box(e).Value()
	}
	var key, version int64
	err := s.Query(ctx, q, args, func(rows *sql.Rows) error {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return errors.New("insert returned no identity")
		}
		dest := []any{&key}
		if t.Versioned() {
			dest = append(dest, &version)
		}
		return rows.Scan(dest...)
	})
	if err != nil {
		return ormerr.Database(ormerr.StmtInsert, tracking.Refs(e), err)
	}

	if err := schema.SetKey(e, key); err != nil {
		return err
	}
	if t.Versioned() {
		return t.Version.Box(e).LoadValue(version)
	}
	return nil
}

// updateRow writes the dirty columns of e, bumping and checking its row
// version when the table is versioned.
func (s *Session) updateRow(ctx context.Context, e schema.Entity, cols []*schema.Column) error {
	t := e.Table()
	d := s.Dialect()
	q := s.statement(stmtKey{t.Name, "update", signature(cols)}, func() string {
		sets := make([]string, 0, len(cols)+1)
		for i, c := range cols {
			sets = append(sets, d.Quote(c.Name)+" = "+d.Placeholder(i+1))
		}
		n := len(cols) + 1
		where := d.Quote(t.Key.Name) + " = " + d.Placeholder(n)
		if t.Versioned() {
			v := d.Quote(t.Version.Name)
			sets = append(sets, v+" = "+v+" + 1")
			where += " AND " + v + " = " + d.Placeholder(n+1)
		}
		return "UPDATE " + d.Quote(t.Name) + " SET " + strings.Join(sets, ", ") + " WHERE " + where
	})

	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		args = append(args, c.Box(e).Value())
	}
	args = append(args, schema.KeyOf(e))
	if t.Versioned() {
		args = append(args, schema.VersionOf(e))
	}

	if err := s.affectOne(ctx, ormerr.StmtUpdate, e, q, args); err != nil {
		return err
	}
	if t.Versioned() {
		return t.Version.Box(e).LoadValue(schema.VersionOf(e) + 1)
	}
	return nil
}

// deleteRow deletes e, checking its row version when the table is
// versioned.
func (s *Session) deleteRow(ctx context.Context, e schema.Entity) error {
	t := e.Table()
	d := s.Dialect()
	q := s.statement(stmtKey{t.Name, "delete", ""}, func() string {
		where := d.Quote(t.Key.Name) + " = " + d.Placeholder(1)
		if t.Versioned() {
			where += " AND " + d.Quote(t.Version.Name) + " = " + d.Placeholder(2)
		}
		return "DELETE FROM " + d.Quote(t.Name) + " WHERE " + where
	})

	args := []any{schema.KeyOf(e)}
	if t.Versioned() {
		args = append(args, schema.VersionOf(e))
	}
	return s.affectOne(ctx, ormerr.StmtDelete, e, q, args)
}

// affectOne runs a single-row statement; no affected row means the row
// vanished or its version moved since e was loaded.
func (s *Session) affectOne(ctx context.Context, kind ormerr.StatementKind, e schema.Entity, q string, args []any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return ormerr.Database(kind, tracking.Refs(e), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ormerr.Database(kind, tracking.Refs(e), err)
	}
	if n == 0 {
		return ormerr.Concurrency(kind, "row changed or vanished since it was loaded", tracking.Refs(e))
	}
	return nil
}

// nullify clears nullable foreign keys pointing at e, in storage and on
// tracked entities, so e can be hard deleted.
func (s *Session) nullify(ctx context.Context, e schema.Entity, tracked []schema.Entity) error {
	t := e.Table()
	d := s.Dialect()
	key := schema.KeyOf(e)
	for _, fk := range s.reg.Referencing(t) {
		if !fk.Nullable() {
			continue
		}
		col := d.Quote(fk.Column.Name)
		q := s.statement(stmtKey{fk.Owner.Name, "nullify", fk.Column.Name}, func() string {
			return "UPDATE " + d.Quote(fk.Owner.Name) + " SET " + col + " = NULL WHERE " + col + " = " + d.Placeholder(1)
		})
		if _, err := s.exec(ctx, q, key); err != nil {
			return ormerr.Database(ormerr.StmtNullify, tracking.Refs(e), err)
		}

		for _, x := range tracked {
			if x.Table() != fk.Owner || schema.ToInt64(fk.Column.Box(x).Value()) != key {
				continue
			}
			if err := fk.Column.Box(x).LoadValue(nil); err != nil {
				return err
			}
			fk.Ref(x).Forget()
		}
	}
	return nil
}

// recheck re-reads the row version of e and fails when it moved or the row
// vanished.
func (s *Session) recheck(ctx context.Context, e schema.Entity) error {
	t := e.Table()
	d := s.Dialect()
	q := s.statement(stmtKey{t.Name, "version", ""}, func() string {
		return "SELECT " + d.Quote(t.Version.Name) + " FROM " + d.Quote(t.Name) +
			" WHERE " + d.Quote(t.Key.Name) + " = " + d.Placeholder(1)
	})

	var (
		version int64
		found   bool
	)
	err := s.Query(ctx, q, []any{schema.KeyOf(e)}, func(rows *sql.Rows) error {
		if !rows.Next() {
			return nil
		}
		found = true
		return rows.Scan(&version)
	})
	if err != nil {
		return ormerr.Database(ormerr.StmtVersionCheck, tracking.Refs(e), err)
	}
	if !found {
		return ormerr.Concurrency(ormerr.StmtVersionCheck, "row vanished since it was loaded", tracking.Refs(e))
	}
	if version != schema.VersionOf(e) {
		return ormerr.Concurrency(ormerr.StmtVersionCheck, "row version moved since it was loaded", tracking.Refs(e))
	}
	return nil
}
