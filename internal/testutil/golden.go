package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// FormatStatement renders SQL and its arguments in the golden file layout:
// the statement text, then one "-- $n: value (type)" line per argument.
func FormatStatement(sql string, args []any) []byte {
	var b strings.Builder
	b.WriteString(sql)
	b.WriteString("\n")
	for i, a := range args {
		fmt.Fprintf(&b, "-- $%d: %v (%T)\n", i+1, a, a)
	}
	return []byte(b.String())
}

// AssertSQL compares a compiled statement against a golden file.
// The golden file is stored in testdata/golden/{name}.golden of the
// calling package.
//
// To regenerate golden files, run:
//
//	go test ./internal/query -update
func AssertSQL(t *testing.T, name, sql string, args []any) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, FormatStatement(sql, args))
}
