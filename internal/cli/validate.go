package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/schemafile"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Queries []string
	Data    []string
}

// TableSummary describes one validated table.
type TableSummary struct {
	Name       string   `json:"name"`
	Key        string   `json:"key"`
	Version    string   `json:"version,omitempty"`
	Columns    []string `json:"columns"`
	References []string `json:"references,omitempty"`
}

// ValidationIssue is one problem found in a file.
type ValidationIssue struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Tables []TableSummary    `json:"tables,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the schema file and optional query and data files",
		Long: `Validate the schema file without touching a database: every table
must build and every reference must name a declared table.

Query and data files given with --query and --data are checked
against the schema as well.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Queries, "query", nil, "query file to check (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Data, "data", nil, "data file to check (repeatable)")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	p, err := loadProject(opts.Schema)
	if err != nil {
		return fail(formatter, err, ErrCodeSchemaInvalid)
	}
	formatter.VerboseLog("Loaded %d table(s) from %s", len(p.reg.Tables()), opts.Schema)

	var issues []ValidationIssue
	for _, path := range opts.Queries {
		formatter.VerboseLog("Checking query %s", path)
		q, err := schemafile.LoadQuery(path)
		if err == nil {
			_, err = q.Node(nil, p.reg)
		}
		if err != nil {
			issues = append(issues, ValidationIssue{File: path, Code: ErrCodeQueryInvalid, Message: err.Error()})
		}
	}
	for _, path := range opts.Data {
		formatter.VerboseLog("Checking data %s", path)
		d, err := schemafile.LoadData(path)
		if err == nil {
			_, err = d.Entities(p.reg)
		}
		if err != nil {
			issues = append(issues, ValidationIssue{File: path, Code: ErrCodeDataInvalid, Message: err.Error()})
		}
	}

	if len(issues) > 0 {
		return outputValidationIssues(formatter, issues)
	}
	return outputValidateSuccess(formatter, summarize(p))
}

func summarize(p *project) []TableSummary {
	var out []TableSummary
	for _, t := range p.reg.Tables() {
		s := TableSummary{Name: t.Name, Key: t.Key.Name}
		if t.Versioned() {
			s.Version = t.Version.Name
		}
		for _, c := range t.Columns {
			s.Columns = append(s.Columns, c.Name)
		}
		for _, fk := range t.ForeignKeys {
			s.References = append(s.References, fmt.Sprintf("%s(%s -> %s)", fk.Name, fk.Column.Name, fk.TargetName))
		}
		out = append(out, s)
	}
	return out
}

func outputValidateSuccess(formatter *OutputFormatter, tables []TableSummary) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Tables: tables})
	}

	fmt.Fprintf(formatter.Writer, "✓ Schema valid: %d table(s)\n", len(tables))
	if formatter.Verbose {
		for _, t := range tables {
			fmt.Fprintf(formatter.Writer, "  %s (%s)\n", t.Name, strings.Join(t.Columns, ", "))
		}
	}
	return nil
}

func outputValidationIssues(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}
		if err := json.NewEncoder(formatter.Writer).Encode(response); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ Validation failed with %d error(s):\n", len(issues))
		for _, issue := range issues {
			fmt.Fprintf(formatter.Writer, "  %s: [%s] %s\n", issue.File, issue.Code, issue.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(issues)))
}
