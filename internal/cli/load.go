package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schemafile"
	"github.com/roach88/keel/internal/session"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Timeout       time.Duration
	BulkThreshold int
}

// LoadResult summarizes a committed load.
type LoadResult struct {
	SubmitID string `json:"submit_id"`
	Inserted int    `json:"inserted"`
	Elapsed  string `json:"elapsed"`
}

func (r LoadResult) String() string {
	return fmt.Sprintf("✓ Inserted %d row(s) in %s (submit %s)", r.Inserted, r.Elapsed, r.SubmitID)
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <data-file>",
		Short: "Insert the rows of a data file in one submit",
		Long: `Stage every row of a YAML or CUE data file for insert and submit them
in a single transaction. Rows may reference each other by label; the
submit orders inserts so referenced rows are written first.

Nothing is written when any row fails.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "abort the submit after this long")
	cmd.Flags().IntVar(&opts.BulkThreshold, "bulk-threshold", 0, "rows per table from which inserts use the bulk path (0 = default, <0 = never)")

	return cmd
}

func runLoad(opts *LoadOptions, dataFile string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	p, err := loadProject(opts.Schema)
	if err != nil {
		return fail(formatter, err, ErrCodeSchemaInvalid)
	}
	data, err := schemafile.LoadData(dataFile)
	if err != nil {
		return fail(formatter, err, ErrCodeDataInvalid)
	}
	entities, err := data.Entities(p.reg)
	if err != nil {
		return fail(formatter, err, ErrCodeDataInvalid)
	}
	st, err := p.open(ctx, opts.RootOptions)
	if err != nil {
		return fail(formatter, err, ErrCodeDatabase)
	}
	defer st.Close()

	s := session.New(st, p.reg, session.WithLogger(opts.logger(formatter.GetErrWriter())))
	if err := s.InsertOnSubmit(entities...); err != nil {
		return fail(formatter, err, ErrCodeDataInvalid)
	}
	formatter.VerboseLog("Staged %d row(s) from %s", len(entities), dataFile)

	res, err := s.SubmitChanges(ctx, session.SubmitOptions{
		Timeout:       opts.Timeout,
		BulkThreshold: opts.BulkThreshold,
	})
	if err != nil {
		var details any
		var oe *ormerr.Error
		if errors.As(err, &oe) {
			entities := make([]string, len(oe.Entities))
			for i, ref := range oe.Entities {
				entities[i] = ref.String()
			}
			details = map[string]any{"code": oe.Code, "statement": oe.Statement, "entities": entities}
		}
		return formatter.Fail(ExitFailure, ErrCodeSubmit, err, details)
	}

	return formatter.Success(LoadResult{
		SubmitID: res.ID,
		Inserted: res.Inserted,
		Elapsed:  res.Elapsed.Round(time.Millisecond).String(),
	})
}
