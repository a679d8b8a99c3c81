package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracemake/tracemake/internal/backend"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Dir     string
	Timeout int64
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <argv...>",
		Short: "Run one job directly against the backend, bypassing scheduling",
		Long: `Submit a single command straight to the execution backend,
skipping dep resolution, caching, and clash detection entirely.

Useful for checking that a rule's command line actually runs the way a
rule file expects before wiring it into a rule set.

Example:
  tracemake invoke -- gcc -c foo.c -o foo.o`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeJob(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "working directory (default: current directory)")
	cmd.Flags().Int64Var(&opts.Timeout, "timeout-ns", 0, "timeout in nanoseconds (0 = no timeout)")

	return cmd
}

func invokeJob(opts *InvokeOptions, argv []string, cmd *cobra.Command) error {
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to get working directory", err)
		}
		dir = wd
	}

	be := backend.NewLocalBackend()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	handle, err := be.Submit(ctx, backend.JobSpec{
		JobID:   1,
		Argv:    argv,
		Dir:     dir,
		Env:     os.Environ(),
		Timeout: opts.Timeout,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to submit job", err)
	}

	report, err := be.Wait(ctx, handle)
	if err != nil {
		return WrapExitError(ExitFailure, "job failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exit code: %d\n", report.ExitCode)
	if report.TimedOut {
		fmt.Fprintln(cmd.OutOrStdout(), "timed out")
	}
	if len(report.Stderr) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "stderr:\n%s\n", report.Stderr)
	}

	if report.ExitCode != 0 || report.TimedOut {
		return NewExitError(ExitFailure, "invoked job did not succeed")
	}
	return nil
}
