package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/dialect"
)

// Tx is a transaction pinned to one physical connection. Every statement of
// a submit, including queries issued mid-submit, runs through it.
type Tx struct {
	conn *sql.Conn
	tx   *sql.Tx
	d    dialect.Dialect
	done bool
}

// Begin acquires a connection and starts a transaction on it.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{conn: conn, tx: tx, d: s.d}, nil
}

// Dialect returns the transaction's SQL dialect.
func (t *Tx) Dialect() dialect.Dialect {
	return t.d
}

// SQLTx exposes the underlying transaction, for bulk writers that prepare
// driver-specific statements.
func (t *Tx) SQLTx() *sql.Tx {
	return t.tx
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	return scan(ctx, t.tx, query, args, fn)
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Commit commits the transaction and releases the connection.
func (t *Tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	err := t.tx.Commit()
	if cerr := t.conn.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

// Rollback aborts the transaction and releases the connection. Calling it
// after Commit is a no-op, so it can be deferred.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if cerr := t.conn.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}
