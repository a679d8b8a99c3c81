package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracemake/tracemake/internal/audit"
	"github.com/tracemake/tracemake/internal/backend"
	"github.com/tracemake/tracemake/internal/cache"
	"github.com/tracemake/tracemake/internal/clash"
	"github.com/tracemake/tracemake/internal/config"
	"github.com/tracemake/tracemake/internal/makeengine"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/request"
	"github.com/tracemake/tracemake/internal/ruleschema"
	"github.com/tracemake/tracemake/internal/ruleset"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	RulesDir   string
	ConfigPath string
	Forced     bool

	// IDGenerator allows overriding the request id generator (for testing).
	// If nil, defaults to request.UUIDv7Generator.
	IDGenerator request.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <target> [target...]",
		Short: "Build one or more targets",
		Long: `Build one or more targets against a rule set.

Loads rule JSON files from --rules, opens (creating if needed) the audit
database, content cache and wash state, then drives each target through
the make engine to completion.

Example:
  tracemake run --rules ./rules --db ./build.db out/app
  tracemake run --rules ./rules --db ./build.db --force out/app out/lib.a`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "directory of rule JSON files (required)")
	_ = cmd.MarkFlagRequired("rules")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML engine config (optional)")
	cmd.Flags().BoolVar(&opts.Forced, "force", false, "rebuild targets even if up to date")

	return cmd
}

func runBuild(opts *RunOptions, targets []string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	validator, err := ruleschema.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build schema validator", err)
	}

	names := namestore.New()
	nodes := recstore.NewNodeArena()
	jobs := recstore.NewJobArena()

	slog.Info("loading rules", "dir", opts.RulesDir)
	rules, loadErrs := ruleset.Load(opts.RulesDir, names, jobs, validator)
	if len(loadErrs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load rule set", loadErrs[0])
	}

	var auditLog *audit.Log
	if cfg.AuditDB != "" {
		auditLog, err = audit.Open(cfg.AuditDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open audit database", err)
		}
		defer auditLog.Close()
	}

	var contentCache *cache.Cache
	if cfg.CacheDir != "" {
		contentCache, err = cache.Open(cfg.CacheDir, cfg.CacheCapacityBytes)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open content cache", err)
		}
	}

	washer := clash.NewWasher()
	be := backend.NewLocalBackend()
	heap := request.NewHeap()

	socketDir, err := os.MkdirTemp("", "tracemake-autodep-")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create autodep socket dir", err)
	}
	defer os.RemoveAll(socketDir)

	eng := makeengine.New(names, nodes, jobs, rules, be, contentCache, washer, auditLog, heap, socketDir)

	idGen := opts.IDGenerator
	if idGen == nil {
		idGen = request.UUIDv7Generator{}
	}
	req := request.New(idGen, 0, cfg.DefaultTokens)
	heap.Push(req)
	defer heap.Remove(req)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, cancelling build", "signal", sig)
			req.Kill()
			cancel()
		case <-ctx.Done():
		}
	}()

	if auditLog != nil {
		if err := auditLog.OpenRequest(ctx, req.ID, 0, nowNano()); err != nil {
			return WrapExitError(ExitCommandError, "failed to record request open", err)
		}
	}

	var buildErr error
	for _, target := range targets {
		node := names.InternNode(target)
		job, ok := rules.ProducerOf(node)
		if !ok {
			buildErr = fmt.Errorf("no rule produces target %q", target)
			break
		}
		slog.Info("building target", "target", target, "job", job)
		status, err := eng.Make(ctx, req, job, opts.Forced)
		if err != nil {
			buildErr = fmt.Errorf("building %q: %w", target, err)
			break
		}
		if status.IsError() {
			buildErr = fmt.Errorf("building %q ended in status %s", target, status)
			break
		}
	}

	if auditLog != nil {
		_ = auditLog.CloseRequest(context.Background(), req.ID, nowNano(), req.IsZombie())
	}

	if buildErr != nil {
		return WrapExitError(ExitFailure, "build failed", buildErr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "built %d target(s)\n", len(targets))
	return nil
}
