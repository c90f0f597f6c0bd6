// Package dialect isolates the SQL differences between supported backends.
//
// Every statement the mapper emits is ANSI SQL plus the few extensions both
// backends share (RETURNING, UPDATE ... FROM, window functions). A Dialect
// supplies what differs: identifier quoting, placeholders, the form of a
// multi-value set membership test, temp table DDL and connection pragmas.
package dialect

import (
	"fmt"
	"strings"
)

// ColumnDef is one column of a temp table.
type ColumnDef struct {
	Name    string
	SQLType string
}

// Binder appends an argument to the statement and returns its placeholder.
type Binder func(v any) string

// Dialect renders backend-specific SQL fragments.
type Dialect interface {
	// Name is the dialect name used in configuration ("sqlite", "postgres").
	Name() string
	// DriverName is the database/sql driver name.
	DriverName() string
	// Quote quotes an identifier.
	Quote(ident string) string
	// Placeholder returns the placeholder of the n-th (1-based) argument.
	Placeholder(n int) string
	// Bool renders an inline boolean literal.
	Bool(b bool) string
	// InSet renders "member is one of values" for two or more values.
	InSet(member string, values []any, bind Binder) string
	// CreateTempTable returns DDL for a temp table with the given columns.
	CreateTempTable(name string, cols []ColumnDef) string
	// DropTempTable returns DDL dropping a temp table.
	DropTempTable(name string) string
	// Pragmas are executed once after the connection pool opens.
	Pragmas() []string
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pq":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

// QuoteQualified quotes "alias"."column" style references where alias is
// already a safe generated name.
func QuoteQualified(d Dialect, alias, column string) string {
	return alias + "." + d.Quote(column)
}

// inList renders the portable fallback "member IN (?, ?, ...)".
func inList(member string, values []any, bind Binder) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = bind(v)
	}
	return member + " IN (" + strings.Join(parts, ", ") + ")"
}

// homogeneous reports the common kind of values: "int", "string", "float",
// "bool" or "" when mixed or unsupported. Integers of any width count as int.
func homogeneous(values []any) string {
	kind := ""
	for _, v := range values {
		var k string
		switch v.(type) {
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			k = "int"
		case string:
			k = "string"
		case float32, float64:
			k = "float"
		case bool:
			k = "bool"
		default:
			return ""
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return ""
		}
	}
	return kind
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
