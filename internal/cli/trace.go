package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracemake/tracemake/internal/audit"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	ReqID    string
}

// TraceResult holds the complete trace output for one request.
type TraceResult struct {
	ReqID   string        `json:"req_id"`
	Events  []audit.Event `json:"events"`
	JobEnds []audit.JobEnd `json:"job_ends"`
	Clashes []audit.Clash `json:"clashes"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the lifecycle event trail for one request",
		Long: `Print every recorded lifecycle event for a request, in sequence
order: node/job state transitions, terminal job-end classifications, and
any clashes detected during the build.

Examples:
  tracemake trace --db ./build.db --req 0190...
  tracemake trace --db ./build.db --req 0190... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the audit SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ReqID, "req", "", "request id to trace (required)")
	_ = cmd.MarkFlagRequired("req")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	log, err := audit.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open audit database", err)
	}
	defer log.Close()

	events, err := log.TraceEvents(ctx, opts.ReqID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace events", err)
	}

	state, err := log.GetRequestState(ctx, opts.ReqID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover request state", err)
	}

	result := TraceResult{
		ReqID:   opts.ReqID,
		Events:  events,
		JobEnds: state.JobEnds,
		Clashes: state.Clashes,
	}

	if opts.Format == "json" {
		return (&OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}).Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Trace for request: %s\n\n", opts.ReqID)

	fmt.Fprintln(w, "=== Events ===")
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range result.Events {
		fmt.Fprintf(w, "  [%d] job=%d node=%d %s %s\n", e.Seq, e.JobID, e.NodeID, e.Kind, e.Detail)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Job ends ===")
	if len(result.JobEnds) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, je := range result.JobEnds {
		fmt.Fprintf(w, "  job=%d status=%s reasons=%s\n", je.JobID, je.EndStatus, je.Reasons)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Clashes ===")
	if len(result.Clashes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, c := range result.Clashes {
		fmt.Fprintf(w, "  node=%d job_a=%d job_b=%d\n", c.NodeID, c.JobA, c.JobB)
	}

	return nil
}
