package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/societyledger/societyledger/jobs"
)

// Exit codes for the integrity command.
const (
	ExitClean  = 0
	ExitFailed = 1
	ExitIssues = 2
)

// IntegrityOptions configures the synchronous integrity check.
type IntegrityOptions struct {
	SocietyID  int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

type integrityIssueJSON struct {
	SocietyID int64  `json:"society_id"`
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

type integritySummaryJSON struct {
	Societies int                  `json:"societies"`
	Issues    []integrityIssueJSON `json:"issues"`
}

// IntegrityCommand runs the ledger sweep in-process and prints the findings.
// It exits with ExitIssues when violations are found.
func IntegrityCommand(ctx context.Context, job *jobs.LedgerIntegrityJob, opts IntegrityOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	report, err := job.Sweep(ctx, opts.SocietyID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "integrity: %v\n", err)
		return ExitFailed
	}

	if opts.JSONOutput {
		summary := integritySummaryJSON{Societies: report.Societies, Issues: make([]integrityIssueJSON, 0, len(report.Issues))}
		for _, issue := range report.Issues {
			summary.Issues = append(summary.Issues, integrityIssueJSON{
				SocietyID: issue.SocietyID,
				Kind:      issue.Kind,
				Reference: issue.Reference,
				Expected:  issue.Expected.StringFixed(2),
				Actual:    issue.Actual.StringFixed(2),
			})
		}
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(opts.Stderr, "integrity: encode: %v\n", err)
			return ExitFailed
		}
	} else {
		fmt.Fprintf(opts.Stdout, "checked %d societies, %d issues\n", report.Societies, len(report.Issues))
		if len(report.Issues) > 0 {
			tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOCIETY\tKIND\tREFERENCE\tEXPECTED\tACTUAL")
			for _, issue := range report.Issues {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", issue.SocietyID, issue.Kind, issue.Reference, issue.Expected.StringFixed(2), issue.Actual.StringFixed(2))
			}
			_ = tw.Flush()
		}
	}
	if len(report.Issues) > 0 {
		return ExitIssues
	}
	return ExitClean
}
