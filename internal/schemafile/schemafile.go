// Package schemafile loads table descriptors, queries and seed data from
// YAML or CUE files, for tables that have no Go entity type.
//
// Identifiers read from files are NFC-normalized, so a column typed with a
// decomposed accent and one typed precomposed name the same column.
package schemafile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/store"
)

// File is a schema file: record tables plus the migrations that create them.
type File struct {
	Tables     []TableSpec     `yaml:"tables" json:"tables"`
	Migrations []MigrationSpec `yaml:"migrations,omitempty" json:"migrations,omitempty"`
}

// TableSpec declares one table.
type TableSpec struct {
	Name       string          `yaml:"name" json:"name"`
	Key        string          `yaml:"key,omitempty" json:"key,omitempty"`
	KeyKind    string          `yaml:"key_kind,omitempty" json:"key_kind,omitempty"`
	Version    string          `yaml:"version,omitempty" json:"version,omitempty"`
	Columns    []ColumnSpec    `yaml:"columns" json:"columns"`
	References []ReferenceSpec `yaml:"references,omitempty" json:"references,omitempty"`
}

// ColumnSpec declares one column.
type ColumnSpec struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Computed bool   `yaml:"computed,omitempty" json:"computed,omitempty"`
}

// ReferenceSpec declares a foreign key relationship.
type ReferenceSpec struct {
	Name   string `yaml:"name" json:"name"`
	Column string `yaml:"column" json:"column"`
	Target string `yaml:"target" json:"target"`
}

// MigrationSpec is one DDL step.
type MigrationSpec struct {
	Version int    `yaml:"version" json:"version"`
	SQL     string `yaml:"sql" json:"sql"`
}

// ErrUnsupportedFormat is returned for files that are neither YAML nor CUE.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Ident NFC-normalizes and trims an identifier.
func Ident(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// decode reads path into v, picking the format from its extension.
func decode(path string, v any) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decodeBytes(filepath.Ext(path), path, src, v)
}

func decodeBytes(ext, name string, src []byte, v any) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(src))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		return nil
	case ".cue":
		val := cuecontext.New().CompileBytes(src, cue.Filename(name))
		if err := val.Err(); err != nil {
			return fmt.Errorf("compile %s: %w", name, err)
		}
		if err := val.Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		return nil
	default:
		return fmt.Errorf("%s: %w %q", name, ErrUnsupportedFormat, ext)
	}
}

// Load reads a schema file.
func Load(path string) (*File, error) {
	var f File
	if err := decode(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Parse reads a schema from src; ext selects the format (".yaml" or ".cue").
func Parse(ext string, src []byte) (*File, error) {
	var f File
	if err := decodeBytes(ext, "schema"+ext, src, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Registry builds and checks the tables of f.
func (f *File) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, ts := range f.Tables {
		t, err := ts.Build()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	if err := reg.Check(); err != nil {
		return nil, err
	}
	return reg, nil
}

// StoreMigrations converts the file's migrations for store.Migrate.
func (f *File) StoreMigrations() []store.Migration {
	out := make([]store.Migration, len(f.Migrations))
	for i, m := range f.Migrations {
		out[i] = store.Migration{Version: m.Version, SQL: m.SQL}
	}
	return out
}

// Build turns the declaration into a record table. The key defaults to
// "id" and is added as a 64-bit identity when not listed among the
// columns; a named version column is added the same way.
func (ts TableSpec) Build() (*schema.Table, error) {
	name := Ident(ts.Name)
	if name == "" {
		return nil, errors.New("table without a name")
	}
	key := Ident(ts.Key)
	if key == "" {
		key = "id"
	}

	spec := schema.RecordSpec{
		Name:    name,
		Key:     key,
		Version: Ident(ts.Version),
	}
	switch strings.ToLower(ts.KeyKind) {
	case "", "int64", "long":
		spec.KeyKind = schema.IdentityInt64
	case "int32", "int":
		spec.KeyKind = schema.IdentityInt32
	default:
		return nil, fmt.Errorf("table %s: unknown key kind %q", name, ts.KeyKind)
	}

	seen := make(map[string]bool, len(ts.Columns)+2)
	for _, c := range ts.Columns {
		col := schema.RecordColumn{
			Name:     Ident(c.Name),
			SQLType:  c.Type,
			Nullable: c.Nullable,
			Required: c.Required,
			Computed: c.Computed,
		}
		if col.Name == "" {
			return nil, fmt.Errorf("table %s: column without a name", name)
		}
		if seen[col.Name] {
			return nil, fmt.Errorf("table %s: duplicate column %q", name, col.Name)
		}
		seen[col.Name] = true
		spec.Columns = append(spec.Columns, col)
	}
	if !seen[key] {
		spec.Columns = append([]schema.RecordColumn{{Name: key, SQLType: "INTEGER"}}, spec.Columns...)
	}
	if spec.Version != "" && !seen[spec.Version] {
		spec.Columns = append(spec.Columns, schema.RecordColumn{Name: spec.Version, SQLType: "INTEGER"})
	}

	for _, r := range ts.References {
		spec.References = append(spec.References, schema.RecordReference{
			Name:   Ident(r.Name),
			Column: Ident(r.Column),
			Target: Ident(r.Target),
		})
	}

	t, err := schema.NewRecordTable(spec)
	if err != nil {
		return nil, err
	}
	return t, nil
}
