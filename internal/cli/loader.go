package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/schemafile"
	"github.com/roach88/keel/internal/store"
)

// Error codes for CLI output.
const (
	ErrCodeGeneric       = "E001" // Generic/unknown error
	ErrCodeSchemaInvalid = "E002" // Schema file does not parse or build
	ErrCodeQueryInvalid  = "E003" // Query file does not parse or build
	ErrCodeDataInvalid   = "E004" // Data file does not parse or build
	ErrCodeNotFound      = "E005" // Path not found
	ErrCodeDatabase      = "E006" // Open, migrate or query failed
	ErrCodeSubmit        = "E007" // Submit rejected or rolled back
	ErrCodeNoDatabase    = "E008" // --db missing
)

// LoadError is a schema loading failure with its CLI error code.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// project is a loaded schema file and its registry.
type project struct {
	file *schemafile.File
	reg  *schema.Registry
}

// loadProject reads and builds the schema file at path.
func loadProject(path string) (*project, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema file not found: %s", path), Err: err}
	}
	f, err := schemafile.Load(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeSchemaInvalid, Message: err.Error(), Err: err}
	}
	reg, err := f.Registry()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeSchemaInvalid, Message: err.Error(), Err: err}
	}
	return &project{file: f, reg: reg}, nil
}

// open connects to the database and applies the schema file's migrations.
func (p *project) open(ctx context.Context, opts *RootOptions) (*store.Store, error) {
	if opts.DB == "" {
		return nil, &LoadError{Code: ErrCodeNoDatabase, Message: "--db is required"}
	}
	d, err := dialect.Lookup(opts.Dialect)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Err: err}
	}
	st, err := store.Open(d, opts.DB)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDatabase, Message: err.Error(), Err: err}
	}
	if err := st.Migrate(ctx, p.file.StoreMigrations()); err != nil {
		st.Close()
		return nil, &LoadError{Code: ErrCodeDatabase, Message: err.Error(), Err: err}
	}
	return st, nil
}

// fail reports err through the formatter. LoadErrors keep their code and
// map to a command error; anything else gets fallback.
func fail(f *OutputFormatter, err error, fallback string) error {
	var le *LoadError
	if errors.As(err, &le) {
		return f.Fail(ExitCommandError, le.Code, errors.New(le.Message), nil)
	}
	return f.Fail(ExitFailure, fallback, err, nil)
}
