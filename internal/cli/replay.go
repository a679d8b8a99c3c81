package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracemake/tracemake/internal/audit"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	ReqID    string // optional - specific request only
}

// ReplayRequestResult is the per-request recovery summary.
type ReplayRequestResult struct {
	ID          string `json:"id"`
	Closed      bool   `json:"closed"`
	Zombie      bool   `json:"zombie"`
	JobEnds     int    `json:"job_ends"`
	Clashes     int    `json:"clashes"`
	CacheHits   int    `json:"cache_hits"`
	CacheMisses int    `json:"cache_misses"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Requests   []ReplayRequestResult `json:"requests"`
	TotalOpen  int                    `json:"total_open"` // crashed-mid-build, never closed
	AllClosed  bool                   `json:"all_closed"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recover request state from the audit log",
		Long: `Recover every Request's recorded state from the audit database,
reporting any request that was opened but never closed (a process that
crashed mid-build).

Exit codes:
  0 - every known request closed cleanly
  1 - at least one request was left open (crash recovery needed)
  2 - command error (database not found, etc.)

Examples:
  tracemake replay --db ./build.db
  tracemake replay --db ./build.db --req 0190...
  tracemake replay --db ./build.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the audit SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ReqID, "req", "", "recover a specific request only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	log, err := audit.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open audit database", err)
	}
	defer log.Close()

	var openIDs []string
	reqIDs := []string{}
	if opts.ReqID != "" {
		reqIDs = append(reqIDs, opts.ReqID)
	} else {
		openIDs, err = log.OpenRequestIDs(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list open requests", err)
		}
		reqIDs = append(reqIDs, openIDs...)
	}

	result := ReplayResult{AllClosed: true}
	for _, id := range reqIDs {
		state, err := log.GetRequestState(ctx, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to recover request %s", id), err)
		}
		result.Requests = append(result.Requests, ReplayRequestResult{
			ID:          state.ID,
			Closed:      state.Closed,
			Zombie:      state.Zombie,
			JobEnds:     len(state.JobEnds),
			Clashes:     len(state.Clashes),
			CacheHits:   state.CacheHits,
			CacheMisses: state.CacheMisses,
		})
		if !state.Closed {
			result.TotalOpen++
			result.AllClosed = false
		}
	}

	if opts.Format == "json" {
		if err := (&OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}).Success(result); err != nil {
			return err
		}
		if !result.AllClosed {
			return NewExitError(ExitFailure, fmt.Sprintf("%d request(s) left open", result.TotalOpen))
		}
		return nil
	}

	w := cmd.OutOrStdout()
	if len(result.Requests) == 0 {
		fmt.Fprintln(w, "No requests found.")
		return nil
	}
	for _, r := range result.Requests {
		status := "closed"
		if !r.Closed {
			status = "OPEN (crashed mid-build)"
		}
		fmt.Fprintf(w, "%s: %s\n", r.ID, status)
		if opts.Verbose {
			fmt.Fprintf(w, "  job ends: %d, clashes: %d, cache: %d hit / %d miss, zombie: %v\n",
				r.JobEnds, r.Clashes, r.CacheHits, r.CacheMisses, r.Zombie)
		}
	}

	if !result.AllClosed {
		return NewExitError(ExitFailure, fmt.Sprintf("%d request(s) left open", result.TotalOpen))
	}
	return nil
}
