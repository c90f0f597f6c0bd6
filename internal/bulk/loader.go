package bulk

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/metrics"
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/tracking"
)

// Threshold is the batch size from which a table's pending rows take the
// bulk path.
const Threshold = 21

// Synthetic temp table columns.
const (
	rowIndexColumn = "__row_index"
	keyColumn      = "__key"
	versionColumn  = "__version"
)

// NameGenerator produces the unique suffix of temp table names.
type NameGenerator interface {
	Generate() string
}

type uuidNames struct{}

func (uuidNames) Generate() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Loader runs the bulk insert and bulk update protocols.
type Loader struct {
	Writer Writer
	Names  NameGenerator
	Logger *slog.Logger
}

func (l *Loader) writer(d dialect.Dialect) Writer {
	if l.Writer != nil {
		return l.Writer
	}
	return ForDialect(d)
}

func (l *Loader) tempName(table string) string {
	names := l.Names
	if names == nil {
		names = uuidNames{}
	}
	return "keel_bulk_" + table + "_" + names.Generate()
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// stage creates a temp table and streams rows into it.
func (l *Loader) stage(ctx context.Context, tx Tx, temp string, defs []dialect.ColumnDef, rows [][]any) error {
	d := tx.Dialect()
	if _, err := tx.Exec(ctx, d.CreateTempTable(temp, defs)); err != nil {
		return fmt.Errorf("create %s: %w", temp, err)
	}
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return l.writer(d).Write(ctx, tx, temp, names, rows)
}

func (l *Loader) drop(ctx context.Context, tx Tx, temp string) error {
	if _, err := tx.Exec(ctx, tx.Dialect().DropTempTable(temp)); err != nil {
		return fmt.Errorf("drop %s: %w", temp, err)
	}
	return nil
}

// Insert writes entities of table t, all carrying the same writable
// columns cols, in one set-based statement. Identities and row versions
// are loaded back in staging order.
func (l *Loader) Insert(ctx context.Context, tx Tx, t *schema.Table, cols []*schema.Column, entities []schema.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	if len(cols) == 0 {
		return ormerr.Usage("bulk insert into %s needs at least one column", t.Name)
	}
	if err := l.insert(ctx, tx, t, cols, entities); err != nil {
		return ormerr.Database(ormerr.StmtBulkInsert, tracking.Refs(entities...), err)
	}
	metrics.BulkBatchesTotal.WithLabelValues(metrics.KindInsert).Inc()
	return nil
}

func (l *Loader) insert(ctx context.Context, tx Tx, t *schema.Table, cols []*schema.Column, entities []schema.Entity) error {
	d := tx.Dialect()
	temp := l.tempName(t.Name)

	defs := []dialect.ColumnDef{{Name: rowIndexColumn, SQLType: "BIGINT"}}
	for _, c := range cols {
		defs = append(defs, dialect.ColumnDef{Name: c.Name, SQLType: c.SQLType})
	}
	rows := make([][]any, len(entities))
	for i, e := range entities {
		row := make([]any, 0, len(defs))
		row = append(row, int64(i))
		for _, c := range cols {
			row = append(row, c.Box(e).Value())
		}
		rows[i] = row
	}
	if err := l.stage(ctx, tx, temp, defs, rows); err != nil {
		return err
	}

	quoted := quoteColumns(d, cols)
	returning := d.Quote(t.Key.Name)
	if t.Versioned() {
		returning += ", " + d.Quote(t.Version.Name)
	}
	query := "INSERT INTO " + d.Quote(t.Name) + " (" + quoted + ") SELECT " + quoted +
		" FROM " + d.Quote(temp) + " ORDER BY " + d.Quote(rowIndexColumn) + " RETURNING " + returning

	type assigned struct{ key, version int64 }
	var out []assigned
	err := tx.Query(ctx, query, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var a assigned
			dest := []any{&a.key}
			if t.Versioned() {
				dest = append(dest, &a.version)
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(out) != len(entities) {
		return fmt.Errorf("bulk insert into %s returned %d identities for %d rows", t.Name, len(out), len(entities))
	}

	slices.SortFunc(out, func(a, b assigned) int { return cmp.Compare(a.key, b.key) })
	for i, e := range entities {
		if err := schema.SetKey(e, out[i].key); err != nil {
			return err
		}
		if t.Versioned() {
			if err := t.Version.Box(e).LoadValue(out[i].version); err != nil {
				return err
			}
		}
	}

	l.logger().Debug("bulk insert",
		"table", t.Name,
		"rows", len(entities),
		"temp", temp,
	)
	return l.drop(ctx, tx, temp)
}

// Update writes the columns cols of persisted entities of table t in one
// UPDATE ... FROM statement, bumping and checking row versions when t is
// versioned. It returns the entities whose row matched no update: their
// row vanished or its version moved.
func (l *Loader) Update(ctx context.Context, tx Tx, t *schema.Table, cols []*schema.Column, entities []schema.Entity) ([]schema.Entity, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if len(cols) == 0 {
		return nil, ormerr.Usage("bulk update of %s needs at least one column", t.Name)
	}
	stale, err := l.update(ctx, tx, t, cols, entities)
	if err != nil {
		return nil, ormerr.Database(ormerr.StmtBulkUpdate, tracking.Refs(entities...), err)
	}
	metrics.BulkBatchesTotal.WithLabelValues(metrics.KindUpdate).Inc()
	return stale, nil
}

func (l *Loader) update(ctx context.Context, tx Tx, t *schema.Table, cols []*schema.Column, entities []schema.Entity) ([]schema.Entity, error) {
	d := tx.Dialect()
	temp := l.tempName(t.Name)

	defs := []dialect.ColumnDef{
		{Name: rowIndexColumn, SQLType: "BIGINT"},
		{Name: keyColumn, SQLType: "BIGINT"},
	}
	if t.Versioned() {
		defs = append(defs, dialect.ColumnDef{Name: versionColumn, SQLType: "BIGINT"})
	}
	for _, c := range cols {
		defs = append(defs, dialect.ColumnDef{Name: c.Name, SQLType: c.SQLType})
	}
	rows := make([][]any, len(entities))
	for i, e := range entities {
		row := []any{int64(i), schema.KeyOf(e)}
		if t.Versioned() {
			row = append(row, schema.VersionOf(e))
		}
		for _, c := range cols {
			row = append(row, c.Box(e).Value())
		}
		rows[i] = row
	}
	if err := l.stage(ctx, tx, temp, defs, rows); err != nil {
		return nil, err
	}

	target, src := d.Quote(t.Name), d.Quote("__s")
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, d.Quote(c.Name)+" = "+src+"."+d.Quote(c.Name))
	}
	where := target + "." + d.Quote(t.Key.Name) + " = " + src + "." + d.Quote(keyColumn)
	if t.Versioned() {
		v := d.Quote(t.Version.Name)
		sets = append(sets, v+" = "+target+"."+v+" + 1")
		where += " AND " + target + "." + v + " = " + src + "." + d.Quote(versionColumn)
	}
	query := "UPDATE " + target + " SET " + strings.Join(sets, ", ") +
		" FROM " + d.Quote(temp) + " AS " + src + " WHERE " + where +
		" RETURNING " + d.Quote(t.Key.Name)

	updated := make(map[int64]bool, len(entities))
	err := tx.Query(ctx, query, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var key int64
			if err := rows.Scan(&key); err != nil {
				return err
			}
			updated[key] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var stale []schema.Entity
	for _, e := range entities {
		if !updated[schema.KeyOf(e)] {
			stale = append(stale, e)
			continue
		}
		if t.Versioned() {
			if err := t.Version.Box(e).LoadValue(schema.VersionOf(e) + 1); err != nil {
				return nil, err
			}
		}
	}

	l.logger().Debug("bulk update",
		"table", t.Name,
		"rows", len(entities),
		"stale", len(stale),
		"temp", temp,
	)
	return stale, l.drop(ctx, tx, temp)
}

func quoteColumns(d dialect.Dialect, cols []*schema.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.Quote(c.Name)
	}
	return strings.Join(parts, ", ")
}
