package schemafile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/session"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/testutil"
)

const libraryYAML = `
tables:
  - name: authors
    version: row_version
    columns:
      - {name: name, type: TEXT, required: true}
      - {name: email, type: TEXT, nullable: true}
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
        email TEXT,
        row_version INTEGER NOT NULL DEFAULT 1
      );
      CREATE TABLE books (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL,
        price REAL,
        author_id INTEGER NOT NULL REFERENCES authors(id)
      );
`

const libraryCUE = `
tables: [{
	name:     "authors"
	key:      "author_id"
	key_kind: "int32"
	columns: [{name: "name", type: "TEXT"}]
}]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func libraryRegistry(t *testing.T) (*File, *schema.Registry) {
	t.Helper()
	f, err := Load(writeFile(t, "library.yaml", libraryYAML))
	require.NoError(t, err)
	reg, err := f.Registry()
	require.NoError(t, err)
	return f, reg
}

func TestLoad_YAML(t *testing.T) {
	f, reg := libraryRegistry(t)
	require.Len(t, f.Migrations, 1)
	assert.Equal(t, 1, f.StoreMigrations()[0].Version)

	authors, ok := reg.Lookup("authors")
	require.True(t, ok)
	assert.Equal(t, "id", authors.Key.Name, "the key defaults to id")
	assert.Equal(t, schema.IdentityInt64, authors.IdentityKind)
	require.True(t, authors.Versioned())
	assert.Equal(t, "row_version", authors.Version.Name)
	assert.True(t, authors.Column("name").Required)

	books, ok := reg.Lookup("books")
	require.True(t, ok)
	fk := books.ForeignKey("author")
	require.NotNil(t, fk)
	assert.Same(t, authors, fk.Target)
}

func TestLoad_CUE(t *testing.T) {
	f, err := Load(writeFile(t, "library.cue", libraryCUE))
	require.NoError(t, err)
	reg, err := f.Registry()
	require.NoError(t, err)

	authors, ok := reg.Lookup("authors")
	require.True(t, ok)
	assert.Equal(t, "author_id", authors.Key.Name)
	assert.Equal(t, schema.IdentityInt32, authors.IdentityKind)
	assert.False(t, authors.Versioned())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "s.yaml", "tables: []\nextra: 1\n"},
		{"bad cue", "s.cue", "tables: [\n"},
		{"unsupported extension", "s.toml", "tables = []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dangling reference", `
tables:
  - name: books
    columns: [{name: author_id, type: INTEGER}]
    references: [{name: author, column: author_id, target: authors}]
`},
		{"duplicate column", `
tables:
  - name: books
    columns: [{name: title, type: TEXT}, {name: title, type: TEXT}]
`},
		{"unknown type", `
tables:
  - name: books
    columns: [{name: cover, type: BLOB}]
`},
		{"unknown key kind", `
tables:
  - name: books
    key_kind: uuid
    columns: [{name: title, type: TEXT}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(".yaml", []byte(tt.content))
			require.NoError(t, err)
			_, err = f.Registry()
			assert.Error(t, err)
		})
	}
}

func TestIdent_NormalizesToNFC(t *testing.T) {
	decomposed := "café"
	assert.Equal(t, "café", Ident(" "+decomposed+" "))

	f, err := Parse(".yaml", []byte("tables:\n  - name: "+decomposed+"\n    columns: [{name: label, type: TEXT}]\n"))
	require.NoError(t, err)
	reg, err := f.Registry()
	require.NoError(t, err)
	_, ok := reg.Lookup("café")
	assert.True(t, ok)
}

func TestQuerySpec_Node(t *testing.T) {
	_, reg := libraryRegistry(t)

	q, err := LoadQuery(writeFile(t, "q.yaml", `
from: books
where:
  - {column: price, op: gt, value: 10.5}
  - {column: author_id, op: in, values: [2, 3]}
order:
  - {column: title, desc: true}
take: 3
`))
	require.NoError(t, err)
	n, err := q.Node(nil, reg)
	require.NoError(t, err)
	st, err := n.Compile()
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT t0."id", t0."title", t0."price", t0."author_id" FROM "books" AS t0 WHERE t0."price" > ? AND t0."author_id" IN (SELECT value FROM json_each(?)) ORDER BY t0."title" DESC LIMIT 3`,
		st.SQL)
	assert.Equal(t, []any{10.5, "[2,3]"}, st.Args)

	t.Run("projection", func(t *testing.T) {
		q := &QuerySpec{From: "books", Select: []string{"title", "price"}, Distinct: true}
		n, err := q.Node(nil, reg)
		require.NoError(t, err)
		st, err := n.Compile()
		require.NoError(t, err)
		assert.Equal(t, []string{"title", "price"}, st.Columns)
		assert.Nil(t, st.Table)
	})

	t.Run("errors", func(t *testing.T) {
		bad := []*QuerySpec{
			{From: "nope"},
			{From: "books", Where: []Condition{{Column: "isbn", Op: "eq", Value: "x"}}},
			{From: "books", Where: []Condition{{Column: "title", Op: "regex", Value: "x"}}},
			{From: "books", Order: []OrderKey{{Column: "isbn"}}},
		}
		for _, q := range bad {
			_, err := q.Node(nil, reg)
			assert.Error(t, err, "%+v", q)
		}
	})
}

func TestDataFile_LoadsThroughSession(t *testing.T) {
	f, reg := libraryRegistry(t)
	ctx := context.Background()

	st, err := store.Open(dialect.SQLite{}, filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx, f.StoreMigrations()))

	// Books come first so the submit has to order them after their author.
	data, err := LoadData(writeFile(t, "seed.yaml", `
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
`))
	require.NoError(t, err)
	entities, err := data.Entities(reg)
	require.NoError(t, err)
	require.Len(t, entities, 3)

	s := session.New(st, reg,
		session.WithLogger(slog.New(slog.DiscardHandler)),
		session.WithClock(testutil.NewDeterministicClock()),
	)
	require.NoError(t, s.InsertOnSubmit(entities...))
	res, err := s.SubmitChanges(ctx, session.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	author := entities[2].(*schema.Record)
	authorID := schema.KeyOf(author)
	assert.Positive(t, authorID)
	assert.Equal(t, int64(1), schema.VersionOf(author))
	for _, e := range entities[:2] {
		v, err := e.(*schema.Record).Get("author_id")
		require.NoError(t, err)
		assert.Equal(t, authorID, schema.ToInt64(v))
	}

	q := &QuerySpec{From: "books", Order: []OrderKey{{Column: "price", Desc: true}}}
	n, err := q.Node(s, reg)
	require.NoError(t, err)
	list, err := n.ToList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Same(t, entities[1], list[0], "rows resolve to the tracked records")
}

func TestDataFile_Errors(t *testing.T) {
	_, reg := libraryRegistry(t)
	tests := []struct {
		name string
		data DataFile
	}{
		{"unknown table", DataFile{Rows: []RowSpec{{Table: "nope"}}}},
		{"unknown column", DataFile{Rows: []RowSpec{{Table: "authors", Values: map[string]any{"age": 3}}}}},
		{"unknown label", DataFile{Rows: []RowSpec{{Table: "books", Refs: map[string]string{"author": "ghost"}}}}},
		{"unknown reference", DataFile{Rows: []RowSpec{{Table: "authors", Refs: map[string]string{"agent": "x"}}}}},
		{"duplicate label", DataFile{Rows: []RowSpec{
			{Table: "authors", Label: "a"},
			{Table: "authors", Label: "a"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.data.Entities(reg)
			assert.Error(t, err)
		})
	}
}
