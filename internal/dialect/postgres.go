package dialect

import (
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Postgres is the dialect for github.com/lib/pq.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "postgres" }

func (Postgres) Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

func (Postgres) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (Postgres) Bool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// InSet binds homogeneous sets as a single array argument compared with
// = ANY, the closest thing to a table-valued parameter lib/pq offers.
func (Postgres) InSet(member string, values []any, bind Binder) string {
	var arg any
	switch homogeneous(values) {
	case "int":
		ints := make([]int64, len(values))
		for i, v := range values {
			ints[i] = toInt64(v)
		}
		arg = pq.Array(ints)
	case "string":
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = v.(string)
		}
		arg = pq.Array(strs)
	case "float":
		floats := make([]float64, len(values))
		for i, v := range values {
			floats[i] = toFloat64(v)
		}
		arg = pq.Array(floats)
	case "bool":
		bools := make([]bool, len(values))
		for i, v := range values {
			bools[i] = v.(bool)
		}
		arg = pq.Array(bools)
	default:
		return inList(member, values, bind)
	}
	return member + " = ANY(" + bind(arg) + ")"
}

func (d Postgres) CreateTempTable(name string, cols []ColumnDef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = d.Quote(c.Name) + " " + postgresType(c.SQLType)
	}
	return "CREATE TEMP TABLE " + d.Quote(name) + " (" + strings.Join(parts, ", ") + ") ON COMMIT DROP"
}

func (d Postgres) DropTempTable(name string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(name)
}

func (Postgres) Pragmas() []string {
	return nil
}

// postgresType maps the portable column types used in descriptors.
func postgresType(sqlType string) string {
	switch strings.ToUpper(sqlType) {
	case "INTEGER", "INT":
		return "BIGINT"
	case "REAL", "FLOAT", "DOUBLE":
		return "DOUBLE PRECISION"
	case "DATETIME":
		return "TIMESTAMPTZ"
	case "BOOL":
		return "BOOLEAN"
	default:
		return sqlType
	}
}
