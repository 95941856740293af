package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/envproc/internal/ir"
)

// Snapshot is the canonical form of a scenario run: its identity, every
// trace event and, when the worker died, the phase it died in. Error
// messages and digests are left out so snapshots stay stable.
func Snapshot(s *Scenario, result *Result) ir.Object {
	trace := make(ir.Array, len(result.Trace))
	for i, event := range result.Trace {
		trace[i] = event.toCanonical()
	}

	snap := ir.Object{
		"scenario": ir.String(s.Name),
		"env":      ir.String(s.Env),
		"seed":     ir.Int(s.Seed),
		"trace":    trace,
	}
	if result.Fatal != nil {
		snap["fatal"] = ir.String(result.Fatal.Phase)
	}
	return snap
}

// MarshalSnapshot renders a snapshot as canonical JSON with a trailing
// newline.
func MarshalSnapshot(s *Scenario, result *Result) ([]byte, error) {
	data, err := ir.MarshalCanonical(Snapshot(s, result))
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors; a failed
// comparison fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against the scenario's golden
// file without re-running it.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
