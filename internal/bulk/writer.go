package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/roach88/keel/internal/dialect"
)

// Tx is the transaction a batch is written in. *store.Tx implements it.
type Tx interface {
	Dialect() dialect.Dialect
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error
	SQLTx() *sql.Tx
}

// Writer streams rows into an existing temp table.
type Writer interface {
	Write(ctx context.Context, tx Tx, temp string, columns []string, rows [][]any) error
}

// ForDialect returns the native writer of d.
func ForDialect(d dialect.Dialect) Writer {
	if d.Name() == "postgres" {
		return CopyWriter{}
	}
	return SQLiteWriter{}
}

// sqliteMaxVariables is SQLITE_MAX_VARIABLE_NUMBER of older builds; newer
// builds allow more, but staying under it keeps one code path.
const sqliteMaxVariables = 999

// SQLiteWriter writes rows with multi-row INSERT ... VALUES statements,
// as many rows per statement as the variable limit allows.
type SQLiteWriter struct {
	// ChunkRows caps the rows per statement. Zero derives it from the
	// variable limit.
	ChunkRows int
}

func (w SQLiteWriter) Write(ctx context.Context, tx Tx, temp string, columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("write %s: no columns", temp)
	}
	d := tx.Dialect()
	chunk := w.ChunkRows
	if limit := sqliteMaxVariables / len(columns); chunk <= 0 || chunk > limit {
		chunk = max(limit, 1)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
	}
	head := "INSERT INTO " + d.Quote(temp) + " (" + strings.Join(quoted, ", ") + ") VALUES "
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		tuples := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*len(columns))
		for _, row := range rows[start:end] {
			if len(row) != len(columns) {
				return fmt.Errorf("write %s: row has %d values, want %d", temp, len(row), len(columns))
			}
			tuples = append(tuples, tuple)
			args = append(args, row...)
		}
		if _, err := tx.Exec(ctx, head+strings.Join(tuples, ", "), args...); err != nil {
			return fmt.Errorf("write %s: %w", temp, err)
		}
	}
	return nil
}

// CopyWriter streams rows with COPY FROM STDIN through lib/pq.
type CopyWriter struct{}

func (CopyWriter) Write(ctx context.Context, tx Tx, temp string, columns []string, rows [][]any) error {
	stmt, err := tx.SQLTx().PrepareContext(ctx, pq.CopyIn(temp, columns...))
	if err != nil {
		return fmt.Errorf("copy into %s: prepare: %w", temp, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("copy into %s: %w", temp, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("copy into %s: flush: %w", temp, err)
	}
	return nil
}
