package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/envproc/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
}

// TraceOutput is the JSON payload of the trace command.
type TraceOutput struct {
	Scenario string          `json:"scenario"`
	Pass     bool            `json:"pass"`
	Digest   string          `json:"digest"`
	Errors   []string        `json:"errors,omitempty"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Print the canonical trace of one scenario",
		Long: `Run one scenario and print its canonical trace.

The trace is the same canonical JSON the golden files hold, followed by
its digest. Two runs of the same scenario always print the same digest.

Examples:
  envproc trace ./scenarios/cartpole_truncates.yaml
  envproc trace ./scenarios/constant_two_steps.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	h := harness.New(harness.WithLogger(slog.Default()))
	result, err := h.Run(cmd.Context(), scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	data, err := harness.MarshalSnapshot(scenario, result)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to marshal trace", err)
	}

	if opts.Format == "json" {
		err = json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{
			Status: "ok",
			Data: TraceOutput{
				Scenario: scenario.Name,
				Pass:     result.Pass,
				Digest:   result.Digest,
				Errors:   result.Errors,
				Snapshot: json.RawMessage(data),
			},
			Digest: result.Digest,
		})
		if err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprint(w, string(data))
		fmt.Fprintf(w, "digest: %s\n", result.Digest)
		for _, e := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
		}
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}
