package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/dialect"
	"github.com/roach88/keel/internal/query"
	"github.com/roach88/keel/internal/schemafile"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompileResult is a compiled query file.
type CompileResult struct {
	SQL     string   `json:"sql"`
	Args    []any    `json:"args"`
	Columns []string `json:"columns"`
}

func (r CompileResult) String() string {
	var b strings.Builder
	b.WriteString(r.SQL)
	for i, a := range r.Args {
		fmt.Fprintf(&b, "\n-- $%d: %v", i+1, a)
	}
	return b.String()
}

// offline compiles for a dialect without a connection.
type offline struct {
	d dialect.Dialect
}

func (o offline) Dialect() dialect.Dialect { return o.d }

func (offline) Query(context.Context, string, []any, func(*sql.Rows) error) error {
	return errors.New("compile only: no database")
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query-file>",
		Short: "Compile a query file to SQL",
		Long: `Compile a YAML or CUE query file against the schema file and print
the SQL text and its bound arguments for the selected dialect.

No database connection is opened.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the SQL to a file")

	return cmd
}

func runCompile(opts *CompileOptions, queryFile string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	p, err := loadProject(opts.Schema)
	if err != nil {
		return fail(formatter, err, ErrCodeSchemaInvalid)
	}
	d, err := dialect.Lookup(opts.Dialect)
	if err != nil {
		return fail(formatter, err, ErrCodeGeneric)
	}

	q, err := schemafile.LoadQuery(queryFile)
	if err != nil {
		return fail(formatter, err, ErrCodeQueryInvalid)
	}
	n, err := q.Node(query.Bind(offline{d: d}, nil), p.reg)
	if err != nil {
		return fail(formatter, err, ErrCodeQueryInvalid)
	}
	st, err := n.Compile()
	if err != nil {
		return fail(formatter, err, ErrCodeQueryInvalid)
	}
	formatter.VerboseLog("Compiled %s for %s", queryFile, d.Name())

	result := CompileResult{SQL: st.SQL, Args: st.Args, Columns: st.Columns}
	if result.Args == nil {
		result.Args = []any{}
	}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(st.SQL+"\n"), 0o644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err, nil)
		}
		formatter.VerboseLog("Wrote %s", opts.Output)
	}
	return formatter.Success(result)
}
