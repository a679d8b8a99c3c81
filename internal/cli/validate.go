package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/ruleschema"
	"github.com/tracemake/tracemake/internal/ruleset"
)

// ValidationResult holds validate command results.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Validate rule files without running the engine",
		Long: `Validate a directory of rule JSON files against the static
target/dep schema, without loading them into the engine.

Checks every *.json file under rules-dir against the static target/dep
shape the make engine reads off a Job record: rule id, command hash,
static dep accesses/flags, and declared targets. Rule-language semantics
beyond that shape are out of scope.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, rulesDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	validator, err := ruleschema.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build schema validator", err)
	}

	// A throwaway namestore/job arena: validate only cares about the
	// errors ruleset.Load collects, not the resulting RuleSet.
	names := namestore.New()
	jobs := recstore.NewJobArena()
	_, loadErrs := ruleset.Load(rulesDir, names, jobs, validator)

	if len(loadErrs) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(ValidationResult{Valid: true})
		}
		fmt.Fprintln(formatter.Writer, "valid")
		return nil
	}

	msgs := make([]string, len(loadErrs))
	for i, e := range loadErrs {
		msgs[i] = e.Error()
	}

	if formatter.Format == "json" {
		if err := formatter.Success(ValidationResult{Valid: false, Errors: msgs}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(msgs)))
	}

	fmt.Fprintln(formatter.Writer, "invalid")
	for _, m := range msgs {
		fmt.Fprintf(formatter.Writer, "  %s\n", m)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(msgs)))
}
