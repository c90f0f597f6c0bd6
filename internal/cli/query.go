package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/schema"
	"github.com/roach88/keel/internal/schemafile"
	"github.com/roach88/keel/internal/session"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Count bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <query-file>",
		Short: "Run a query file and print the rows",
		Long: `Run a YAML or CUE query file against the database and print the
result as a table, or as a list of objects with --format json.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Count, "count", false, "print the number of rows instead")

	return cmd
}

func runQuery(opts *QueryOptions, queryFile string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	p, err := loadProject(opts.Schema)
	if err != nil {
		return fail(formatter, err, ErrCodeSchemaInvalid)
	}
	q, err := schemafile.LoadQuery(queryFile)
	if err != nil {
		return fail(formatter, err, ErrCodeQueryInvalid)
	}
	st, err := p.open(ctx, opts.RootOptions)
	if err != nil {
		return fail(formatter, err, ErrCodeDatabase)
	}
	defer st.Close()

	s := session.New(st, p.reg, session.WithLogger(opts.logger(formatter.GetErrWriter())))
	n, err := q.Node(s, p.reg)
	if err != nil {
		return fail(formatter, err, ErrCodeQueryInvalid)
	}

	if opts.Count {
		count, err := n.Count(ctx)
		if err != nil {
			return fail(formatter, err, ErrCodeDatabase)
		}
		return formatter.Success(count)
	}

	if len(q.Select) > 0 {
		stmt, err := n.Compile()
		if err != nil {
			return fail(formatter, err, ErrCodeQueryInvalid)
		}
		rows, err := n.Values(ctx)
		if err != nil {
			return fail(formatter, err, ErrCodeDatabase)
		}
		for _, row := range rows {
			for i, v := range row {
				row[i] = schema.Plain(v)
			}
		}
		formatter.VerboseLog("%d row(s)", len(rows))
		return formatter.Table(stmt.Columns, rows)
	}

	list, err := n.ToList(ctx)
	if err != nil {
		return fail(formatter, err, ErrCodeDatabase)
	}
	t := n.Table()
	headers := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		headers[i] = c.Name
	}
	rows := make([][]any, len(list))
	for i, e := range list {
		rows[i] = entityRow(t, e)
	}
	formatter.VerboseLog("%d row(s)", len(rows))
	return formatter.Table(headers, rows)
}

func entityRow(t *schema.Table, e schema.Entity) []any {
	row := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		row[i] = schema.Plain(c.Box(e).Value())
	}
	return row
}
