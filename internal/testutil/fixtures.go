package testutil

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/store"
)

// Author is a soft-deletable, versioned fixture entity. Its featured book
// reference is nullable, which closes a nullable cycle with Book.author.
type Author struct {
	ID         schema.Field[int64]
	Name       schema.Field[string]
	Email      schema.Field[sql.NullString]
	FeaturedID schema.Field[sql.NullInt64]
	Version    schema.Field[int64]
	InsertedAt schema.Field[time.Time]
	UpdatedAt  schema.Field[time.Time]
	DeletedAt  schema.Field[sql.NullTime]

	Featured schema.Ref

	// Events records lifecycle hooks in call order.
	Events []string
}

// Book is a versioned fixture entity with a required author and an
// optional editor.
type Book struct {
	ID         schema.Field[int64]
	Title      schema.Field[string]
	Price      schema.Field[float64]
	Stock      schema.Field[int64]
	Active     schema.Field[bool]
	AuthorID   schema.Field[int64]
	EditorID   schema.Field[sql.NullInt64]
	Version    schema.Field[int64]
	InsertedAt schema.Field[time.Time]

	Author schema.Ref
	Editor schema.Ref

	Events []string
	// FailBeforeInsert makes the BeforeInsert hook fail.
	FailBeforeInsert bool
}

// Tag is an unversioned fixture entity that is never bulk inserted.
type Tag struct {
	ID     schema.Field[int64]
	Label  schema.Field[string]
	BookID schema.Field[sql.NullInt64]

	Book schema.Ref
}

// Fixture descriptors.
var (
	Authors = schema.NewTable("authors", func() *Author { return new(Author) }).
		Identity("id", schema.IdentityInt64, func(a *Author) schema.Box { return &a.ID }).
		Column("name", "TEXT", func(a *Author) schema.Box { return &a.Name }, schema.Required()).
		Column("email", "TEXT", func(a *Author) schema.Box { return &a.Email }, schema.Nullable()).
		Column("featured_book_id", "INTEGER", func(a *Author) schema.Box { return &a.FeaturedID }, schema.Nullable()).
		RowVersion("row_version", func(a *Author) *schema.Field[int64] { return &a.Version }).
		Column("inserted_at", "DATETIME", func(a *Author) schema.Box { return &a.InsertedAt }, schema.Nullable()).
		Column("updated_at", "DATETIME", func(a *Author) schema.Box { return &a.UpdatedAt }, schema.Nullable()).
		Column("deleted_at", "DATETIME", func(a *Author) schema.Box { return &a.DeletedAt }, schema.Nullable()).
		References("featured", "featured_book_id", "books", func(a *Author) *schema.Ref { return &a.Featured }).
		MustBuild()

	Books = schema.NewTable("books", func() *Book { return new(Book) }).
		Identity("id", schema.IdentityInt64, func(b *Book) schema.Box { return &b.ID }).
		Column("title", "TEXT", func(b *Book) schema.Box { return &b.Title }, schema.Required()).
		Column("price", "REAL", func(b *Book) schema.Box { return &b.Price }).
		Column("stock", "INTEGER", func(b *Book) schema.Box { return &b.Stock }).
		Column("active", "BOOLEAN", func(b *Book) schema.Box { return &b.Active }).
		Column("author_id", "INTEGER", func(b *Book) schema.Box { return &b.AuthorID }, schema.Required()).
		Column("editor_id", "INTEGER", func(b *Book) schema.Box { return &b.EditorID }, schema.Nullable()).
		RowVersion("row_version", func(b *Book) *schema.Field[int64] { return &b.Version }).
		Column("inserted_at", "DATETIME", func(b *Book) schema.Box { return &b.InsertedAt }, schema.Nullable()).
		References("author", "author_id", "authors", func(b *Book) *schema.Ref { return &b.Author }).
		References("editor", "editor_id", "authors", func(b *Book) *schema.Ref { return &b.Editor }).
		MustBuild()

	Tags = schema.NewTable("tags", func() *Tag { return new(Tag) }).
		Identity("id", schema.IdentityInt32, func(t *Tag) schema.Box { return &t.ID }).
		Column("label", "TEXT", func(t *Tag) schema.Box { return &t.Label }, schema.Required()).
		Column("book_id", "INTEGER", func(t *Tag) schema.Box { return &t.BookID }, schema.Nullable()).
		References("book", "book_id", "books", func(t *Tag) *schema.Ref { return &t.Book }).
		MustBuild()
)

func (*Author) Table() *schema.Table { return Authors }
func (*Book) Table() *schema.Table   { return Books }
func (*Tag) Table() *schema.Table    { return Tags }

func (a *Author) InsertDate() *schema.Field[time.Time]    { return &a.InsertedAt }
func (a *Author) UpdateDate() *schema.Field[time.Time]    { return &a.UpdatedAt }
func (a *Author) DeleteDate() *schema.Field[sql.NullTime] { return &a.DeletedAt }
func (b *Book) InsertDate() *schema.Field[time.Time]      { return &b.InsertedAt }

// ExcludeFromBulkInsert marks tags for row-by-row inserts.
func (*Tag) ExcludeFromBulkInsert() {}

// ErrNegativePrice is returned by Book.Validate.
var ErrNegativePrice = errors.New("price must not be negative")

// Validate rejects negative prices.
func (b *Book) Validate() error {
	if b.Price.Get() < 0 {
		return ErrNegativePrice
	}
	return nil
}

func (a *Author) AfterInsert(context.Context) error {
	a.Events = append(a.Events, "after-insert")
	return nil
}

func (a *Author) AfterDelete(context.Context) error {
	a.Events = append(a.Events, "after-delete")
	return nil
}

func (a *Author) TransactionAborted() {
	a.Events = append(a.Events, "aborted")
}

func (b *Book) BeforeInsert(context.Context) error {
	b.Events = append(b.Events, "before-insert")
	if b.FailBeforeInsert {
		return errors.New("before-insert refused")
	}
	if b.Active.State() == schema.Unset {
		b.Active.Set(true)
	}
	return nil
}

func (b *Book) BeforeUpdate(context.Context) error {
	b.Events = append(b.Events, "before-update")
	return nil
}

// NewAuthor returns an unsaved author.
func NewAuthor(name string) *Author {
	a := new(Author)
	a.Name.Set(name)
	return a
}

// NewBook returns an unsaved book written by author.
func NewBook(title string, price float64, author *Author) *Book {
	b := new(Book)
	b.Title.Set(title)
	b.Price.Set(price)
	if author != nil {
		if err := schema.Link(b, Books.ForeignKey("author"), author); err != nil {
			panic(err)
		}
	}
	return b
}

// NewTag returns an unsaved tag on book.
func NewTag(label string, book *Book) *Tag {
	t := new(Tag)
	t.Label.Set(label)
	if book != nil {
		if err := schema.Link(t, Tags.ForeignKey("book"), book); err != nil {
			panic(err)
		}
	}
	return t
}

// Registry returns a registry holding the fixture tables.
func Registry() *schema.Registry {
	return schema.NewRegistry().MustRegister(Authors, Books, Tags)
}

// Migrations creates the fixture tables on SQLite.
var Migrations = []store.Migration{
	{Version: 1, SQL: `
CREATE TABLE authors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT,
	featured_book_id INTEGER REFERENCES books(id),
	row_version INTEGER NOT NULL DEFAULT 1,
	inserted_at DATETIME,
	updated_at DATETIME,
	deleted_at DATETIME
);
CREATE TABLE books (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	price REAL NOT NULL DEFAULT 0,
	stock INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT 1,
	author_id INTEGER NOT NULL REFERENCES authors(id),
	editor_id INTEGER REFERENCES authors(id),
	row_version INTEGER NOT NULL DEFAULT 1,
	inserted_at DATETIME
);
CREATE TABLE tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL,
	book_id INTEGER REFERENCES books(id)
);
`},
}

// NewStore opens a file-backed SQLite store with the fixture tables.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.db")
	s, err := store.Open(dialect.SQLite{}, path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background(), Migrations); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return s
}

// Count returns the number of rows in table.
func Count(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}
