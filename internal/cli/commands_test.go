package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const librarySchema = `
tables:
  - name: authors
    version: row_version
    columns:
      - {name: name, type: TEXT, required: true}
  - name: books
    columns:
      - {name: title, type: TEXT, required: true}
      - {name: price, type: REAL}
      - {name: author_id, type: INTEGER}
    references:
      - {name: author, column: author_id, target: authors}
migrations:
  - version: 1
    sql: |
      CREATE TABLE authors (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL,
        row_version INTEGER NOT NULL DEFAULT 1
      );
      CREATE TABLE books (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL,
        price REAL,
        author_id INTEGER NOT NULL REFERENCES authors(id)
      );
`

const seedData = `
rows:
  - table: books
    values: {title: Dune, price: 10}
    refs: {author: frank}
  - table: books
    values: {title: Children of Dune, price: 12.5}
    refs: {author: frank}
  - table: authors
    label: frank
    values: {name: Frank Herbert}
`

type workspace struct {
	dir string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	w := &workspace{dir: t.TempDir()}
	w.write(t, "keel.yaml", librarySchema)
	return w
}

func (w *workspace) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) opts(format string) *RootOptions {
	return &RootOptions{
		Format:  format,
		Schema:  w.path("keel.yaml"),
		DB:      w.path("keel.db"),
		Dialect: "sqlite",
	}
}

// run executes a subcommand and returns its stdout.
func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompile(t *testing.T) {
	w := newWorkspace(t)
	qf := w.write(t, "pricey.yaml", `
from: books
where:
  - {column: price, op: ge, value: 12.5}
order:
  - {column: title}
`)

	tests := []struct {
		dialect string
		want    string
	}{
		{"sqlite", `SELECT t0."id", t0."title", t0."price", t0."author_id" FROM "books" AS t0 WHERE t0."price" >= ? ORDER BY t0."title"`},
		{"postgres", `SELECT t0."id", t0."title", t0."price", t0."author_id" FROM "books" AS t0 WHERE t0."price" >= $1 ORDER BY t0."title"`},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			opts := w.opts("json")
			opts.Dialect = tt.dialect
			out, err := run(t, NewCompileCommand(opts), qf)
			require.NoError(t, err)

			var resp struct {
				Status string        `json:"status"`
				Data   CompileResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, tt.want, resp.Data.SQL)
			assert.Equal(t, []any{12.5}, resp.Data.Args)
		})
	}

	t.Run("writes the output file", func(t *testing.T) {
		target := w.path("pricey.sql")
		out, err := run(t, NewCompileCommand(w.opts("text")), "-o", target, qf)
		require.NoError(t, err)
		assert.Contains(t, out, "-- $1: 12.5")

		written, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, tests[0].want+"\n", string(written))
	})

	t.Run("unknown column", func(t *testing.T) {
		bad := w.write(t, "bad.yaml", "from: books\norder: [{column: isbn}]\n")
		out, err := run(t, NewCompileCommand(w.opts("text")), bad)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, ErrCodeQueryInvalid)
	})
}

func TestLoadThenQuery(t *testing.T) {
	w := newWorkspace(t)
	data := w.write(t, "seed.yaml", seedData)

	out, err := run(t, NewLoadCommand(w.opts("text")), data)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Inserted 3 row(s)")

	byTitle := w.write(t, "books.yaml", "from: books\norder: [{column: title}]\n")
	out, err = run(t, NewQueryCommand(w.opts("json")), byTitle)
	require.NoError(t, err)

	var resp struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Children of Dune", resp.Data[0]["title"])
	assert.Equal(t, "Dune", resp.Data[1]["title"])
	assert.Equal(t, resp.Data[0]["author_id"], resp.Data[1]["author_id"])

	t.Run("count", func(t *testing.T) {
		out, err := run(t, NewQueryCommand(w.opts("json")), "--count", byTitle)
		require.NoError(t, err)
		var resp struct {
			Data int64 `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, int64(2), resp.Data)
	})

	t.Run("projection as text", func(t *testing.T) {
		titles := w.write(t, "titles.yaml", "from: books\nselect: [title]\nwhere: [{column: price, op: lt, value: 11}]\n")
		out, err := run(t, NewQueryCommand(w.opts("text")), titles)
		require.NoError(t, err)
		assert.Contains(t, out, "Dune")
		assert.NotContains(t, out, "Children")
	})
}

func TestLoad_RejectedSubmitWritesNothing(t *testing.T) {
	w := newWorkspace(t)
	data := w.write(t, "bad.yaml", `
rows:
  - table: authors
    values: {name: Ann}
  - table: authors
`)

	out, err := run(t, NewLoadCommand(w.opts("json")), data)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeSubmit, resp.Error.Code)
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION", details["code"])

	authors := w.write(t, "authors.yaml", "from: authors\n")
	out, err = run(t, NewQueryCommand(w.opts("text")), "--count", authors)
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestValidate(t *testing.T) {
	w := newWorkspace(t)

	t.Run("schema only", func(t *testing.T) {
		out, err := run(t, NewValidateCommand(w.opts("text")))
		require.NoError(t, err)
		assert.Contains(t, out, "✓ Schema valid: 2 table(s)")
	})

	t.Run("json summary", func(t *testing.T) {
		out, err := run(t, NewValidateCommand(w.opts("json")))
		require.NoError(t, err)
		var resp struct {
			Data ValidationResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.True(t, resp.Data.Valid)
		require.Len(t, resp.Data.Tables, 2)
		assert.Equal(t, "authors", resp.Data.Tables[0].Name)
		assert.Equal(t, "row_version", resp.Data.Tables[0].Version)
		assert.Equal(t, []string{"author(author_id -> authors)"}, resp.Data.Tables[1].References)
	})

	t.Run("bad query and data files", func(t *testing.T) {
		q := w.write(t, "q.yaml", "from: publishers\n")
		d := w.write(t, "d.yaml", "rows: [{table: books, refs: {author: ghost}}]\n")
		out, err := run(t, NewValidateCommand(w.opts("text")), "--query", q, "--data", d)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "2 error(s)")
		assert.Contains(t, out, ErrCodeQueryInvalid)
		assert.Contains(t, out, ErrCodeDataInvalid)
	})

	t.Run("missing schema", func(t *testing.T) {
		opts := w.opts("text")
		opts.Schema = w.path("nope.yaml")
		out, err := run(t, NewValidateCommand(opts))
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, ErrCodeNotFound)
	})
}

func TestQuery_RequiresDatabase(t *testing.T) {
	w := newWorkspace(t)
	q := w.write(t, "q.yaml", "from: books\n")
	opts := w.opts("text")
	opts.DB = ""

	out, err := run(t, NewQueryCommand(opts), q)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNoDatabase)
}
