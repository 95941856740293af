package harness

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/envproc/internal/coordinator"
	"github.com/roach88/envproc/internal/ir"
)

// rewardTolerance absorbs float summation order differences.
const rewardTolerance = 1e-9

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, event.Op)
		}
	}

	return buf.String()
}

// assertTraceContains checks that at least one event has the op.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Op == assertion.Op {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("an event with op %s", assertion.Op),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of ops appear in the
// given order. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Op]; !seen {
			positions[event.Op] = i
		}
	}

	for _, op := range assertion.Ops {
		if _, ok := positions[op]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", assertion.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Ops); i++ {
		prev, curr := assertion.Ops[i-1], assertion.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks that the op appears exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == assertion.Op {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertTotalReward sums the agent's rewards over every step result.
func assertTotalReward(trace []TraceEvent, assertion Assertion) error {
	var total float64
	for _, event := range trace {
		if !event.HasStepData {
			continue
		}
		for _, a := range event.Agents {
			if coordinator.AgentKey(a.ID) != assertion.Agent {
				continue
			}
			r, ok := numeric(a.Reward)
			if !ok {
				return &AssertionError{
					Type:     AssertTotalReward,
					Expected: fmt.Sprintf("numeric rewards for %s", assertion.Agent),
					Actual:   fmt.Sprintf("event %d reward is %s", event.Seq, ir.TypeName(a.Reward)),
				}
			}
			total += r
		}
	}

	if math.Abs(total-assertion.Value) > rewardTolerance {
		return &AssertionError{
			Type:     AssertTotalReward,
			Expected: fmt.Sprintf("total reward %g for %s", assertion.Value, assertion.Agent),
			Actual:   fmt.Sprintf("total reward %g", total),
			Trace:    trace,
		}
	}
	return nil
}

// assertDoneAt checks the first event where the agent is terminated or
// truncated.
func assertDoneAt(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		for _, a := range event.Agents {
			if coordinator.AgentKey(a.ID) != assertion.Agent || !(a.Terminated || a.Truncated) {
				continue
			}
			if event.Seq == assertion.Seq {
				return nil
			}
			return &AssertionError{
				Type:     AssertDoneAt,
				Expected: fmt.Sprintf("%s done at event %d", assertion.Agent, assertion.Seq),
				Actual:   fmt.Sprintf("done at event %d", event.Seq),
				Trace:    trace,
			}
		}
	}

	return &AssertionError{
		Type:     AssertDoneAt,
		Expected: fmt.Sprintf("%s done at event %d", assertion.Agent, assertion.Seq),
		Actual:   "never done",
		Trace:    trace,
	}
}

// assertFinalState checks the last state the worker sent, with subset
// semantics: only keys in Expect are compared.
func assertFinalState(trace []TraceEvent, assertion Assertion) error {
	var state ir.Value
	for _, event := range slices.Backward(trace) {
		if event.State != nil {
			state = event.State
			break
		}
	}

	obj, ok := state.(ir.Object)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "an object state in the trace",
			Actual:   fmt.Sprintf("state is %s", render(state)),
		}
	}

	for _, key := range sortedKeys(assertion.Expect) {
		want, err := ir.FromGo(assertion.Expect[key])
		if err != nil {
			return fmt.Errorf("final_state: field %q: %w", key, err)
		}
		got, exists := obj[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields: %v", obj.SortedKeys()),
			}
		}
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, render(want)),
				Actual:   fmt.Sprintf("field %q = %s", key, render(got)),
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTotalReward:
			err = assertTotalReward(result.Trace, assertion)
		case AssertDoneAt:
			err = assertDoneAt(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
