package dialect

import (
	"encoding/json"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the dialect for github.com/mattn/go-sqlite3.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Bool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// InSet binds integer and string sets as one JSON array argument expanded by
// json_each, so the statement text is the same for every set size. Other
// value kinds fall back to an IN list.
func (SQLite) InSet(member string, values []any, bind Binder) string {
	switch homogeneous(values) {
	case "int", "string":
		data, err := json.Marshal(values)
		if err != nil {
			return inList(member, values, bind)
		}
		return member + " IN (SELECT value FROM json_each(" + bind(string(data)) + "))"
	default:
		return inList(member, values, bind)
	}
}

func (d SQLite) CreateTempTable(name string, cols []ColumnDef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.Quote(c.Name) + " " + c.SQLType
	}
	return "CREATE TEMP TABLE " + d.Quote(name) + " (" + strings.Join(parts, ", ") + ")"
}

func (d SQLite) DropTempTable(name string) string {
	return "DROP TABLE IF EXISTS temp." + d.Quote(name)
}

// Pragmas configures WAL mode for concurrent reads during a submit, a
// busy timeout for lock contention and foreign key enforcement.
func (SQLite) Pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
}
