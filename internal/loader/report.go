package loader

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"csvload/internal/infer"
	"csvload/internal/validate"
)

// Run states recorded in a report.
const (
	StateCompleted = "completed"
	StateAborted   = "aborted"
)

// RowsInsertedDryRun is the RowsInserted sentinel for dry runs, where no
// insertion is attempted.
const RowsInsertedDryRun = -1

// Report is the machine-readable summary of one ingestion run. It is
// always finalized, even when the run aborts; errors returned from Run
// carry the partial report.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`

	// Delimiter and Encoding are the effective values after detection,
	// which may differ from the configured ones.
	Delimiter string `json:"delimiter"`
	Encoding  string `json:"encoding"`

	TotalRows   int                    `json:"total_rows"`
	ColumnCount int                    `json:"column_count"`
	Analyses    []infer.ColumnAnalysis `json:"analyses,omitempty"`
	DDL         string                 `json:"ddl,omitempty"`

	Validation *validate.Result `json:"validation,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`

	// RowsInserted is RowsInsertedDryRun (-1) for dry runs.
	RowsInserted     int `json:"rows_inserted"`
	RowsDeduplicated int `json:"rows_deduplicated"`
	ChunksCompleted  int `json:"chunks_completed"`
	ChunksTotal      int `json:"chunks_total"`

	State    string        `json:"state"`
	Duration time.Duration `json:"duration"`
	DryRun   bool          `json:"dry_run"`
}

// Warnf appends a formatted warning to the report.
func (r *Report) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Render formats the report for humans.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Ingestion report: %s -> %s\n", r.Path, qualifiedName(r.Schema, r.Table))
	fmt.Fprintf(&b, "State: %s", r.State)
	if r.DryRun {
		b.WriteString(" (dry run)")
	}
	fmt.Fprintf(&b, "  Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Delimiter: %q  Encoding: %s\n", r.Delimiter, r.Encoding)
	fmt.Fprintf(&b, "Rows: %d  Columns: %d\n", r.TotalRows, r.ColumnCount)

	if len(r.Analyses) > 0 {
		b.WriteString("\nColumn analysis:\n")
		tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  column\ttype\tsql\tnulls\tdistinct\tlen")
		for _, a := range r.Analyses {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%d..%d\n",
				a.Name, a.Type, a.SQLType, a.NullCount, a.Distinct, a.MinLen, a.MaxLen)
		}
		tw.Flush()
	}

	if r.Validation != nil {
		fmt.Fprintf(&b, "\nValidation: %d valid, %d invalid\n",
			r.Validation.ValidRows, r.Validation.InvalidRows)
		for i, e := range r.Validation.Errors {
			if i == 10 {
				fmt.Fprintf(&b, "  ... %d more\n", len(r.Validation.Errors)-i)
				break
			}
			fmt.Fprintf(&b, "  row %d, column %s: %s (value %q)\n", e.Row, e.Column, e.Reason, e.Value)
		}
	}

	if r.RowsDeduplicated > 0 {
		fmt.Fprintf(&b, "Deduplicated: %d rows removed\n", r.RowsDeduplicated)
	}

	if r.DryRun {
		b.WriteString("\nNo rows inserted (dry run).\n")
	} else {
		fmt.Fprintf(&b, "\nInserted: %d rows in %d/%d chunks\n",
			r.RowsInserted, r.ChunksCompleted, r.ChunksTotal)
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}

	return b.String()
}

func qualifiedName(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// RunError carries the finalized (partial) report alongside the failure.
type RunError struct {
	Report *Report
	Err    error
}

func (e *RunError) Error() string {
	return e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}
