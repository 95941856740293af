package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/envproc/internal/store"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database string
}

// VerifyResult is the outcome of comparing two recorded runs.
type VerifyResult struct {
	RunA       string   `json:"run_a"`
	RunB       string   `json:"run_b"`
	Identical  bool     `json:"identical"`
	Divergence string   `json:"divergence,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (r VerifyResult) String() string {
	s := fmt.Sprintf("runs %s and %s are identical", r.RunA, r.RunB)
	if !r.Identical {
		s = fmt.Sprintf("runs %s and %s diverge at %s", r.RunA, r.RunB, r.Divergence)
	}
	for _, w := range r.Warnings {
		s += "\nwarning: " + w
	}
	return s
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify [run-a run-b]",
		Short: "Compare two recorded worker runs",
		Long: `Compare the frame logs of two recorded worker runs.

Workers started with record_path log the size and digest of every frame
they consume and publish. Two runs with the same environment, seed and
serde configuration that receive the same requests must log identical
frames. Without arguments the two most recent runs are compared.

Exit codes:
  0 - Runs are identical
  1 - Runs diverge
  2 - Command error (database or run not found, etc.)

Examples:
  envproc verify --db ./frames.db
  envproc verify --db ./frames.db 0190a6f2-... 0190a6f3-...`,
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the record database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runVerify(opts *VerifyOptions, args []string, cmd *cobra.Command) error {
	if len(args) == 1 {
		return NewExitError(ExitCommandError, "verify takes two run IDs or none")
	}
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	var runA, runB store.Run
	if len(args) == 2 {
		if runA, err = st.GetRun(ctx, args[0]); err != nil {
			return WrapExitError(ExitCommandError, "run lookup failed", err)
		}
		if runB, err = st.GetRun(ctx, args[1]); err != nil {
			return WrapExitError(ExitCommandError, "run lookup failed", err)
		}
	} else {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		if len(runs) < 2 {
			return NewExitError(ExitCommandError, fmt.Sprintf("need two runs to compare, database has %d", len(runs)))
		}
		runA, runB = runs[len(runs)-2], runs[len(runs)-1]
	}

	div, err := st.CompareRuns(ctx, runA.ID, runB.ID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return WrapExitError(ExitCommandError, "run lookup failed", err)
		}
		return WrapExitError(ExitCommandError, "comparison failed", err)
	}

	result := VerifyResult{
		RunA:      runA.ID,
		RunB:      runB.ID,
		Identical: div == nil,
		Warnings:  configWarnings(runA, runB),
	}
	if div != nil {
		result.Divergence = div.String()
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if err := formatter.Success(result); err != nil {
		return err
	}
	if div != nil {
		return NewExitError(ExitFailure, "runs diverged")
	}
	return nil
}

// configWarnings lists the settings two runs do not share. Runs that differ
// in configuration are not expected to match.
func configWarnings(a, b store.Run) []string {
	var warnings []string
	if a.Env != b.Env {
		warnings = append(warnings, fmt.Sprintf("env differs: %s vs %s", a.Env, b.Env))
	}
	if a.Seed != b.Seed {
		warnings = append(warnings, fmt.Sprintf("seed differs: %d vs %d", a.Seed, b.Seed))
	}
	if a.Serde != b.Serde {
		warnings = append(warnings, fmt.Sprintf("serde differs: %s vs %s", a.Serde, b.Serde))
	}
	if a.EngineVersion != b.EngineVersion {
		warnings = append(warnings, fmt.Sprintf("engine version differs: %s vs %s", a.EngineVersion, b.EngineVersion))
	}
	return warnings
}
