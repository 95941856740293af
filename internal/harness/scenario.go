package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/envproc/internal/serde"
	"github.com/roach88/envproc/internal/worker"
)

// Scenario defines one worker session: how the worker is configured, the
// requests the coordinator sends, and what the responses must look like.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Env is the registered environment name; EnvOptions are passed to its builder.
	Env        string         `yaml:"env"`
	EnvOptions map[string]any `yaml:"env_options,omitempty"`

	Seed int64 `yaml:"seed"`

	// Serde configures the worker. CoordinatorSerde, when set, configures
	// the coordinator differently to exercise mismatches.
	Serde            serde.TypeConfig  `yaml:"serde,omitempty"`
	CoordinatorSerde *serde.TypeConfig `yaml:"coordinator_serde,omitempty"`

	SendState        bool   `yaml:"send_state,omitempty"`
	MetricsCollector string `yaml:"metrics_collector,omitempty"`
	RecalcAgentIDs   bool   `yaml:"recalculate_agent_id_every_step,omitempty"`
	BufferSize       int    `yaml:"buffer_size,omitempty"`

	// Steps are sent in order after the initial observations.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated against the whole trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// ExpectFatal, when set, requires the worker to die in that phase.
	ExpectFatal *ExpectFatal `yaml:"expect_fatal,omitempty"`
}

// Step is one coordinator request. Exactly one of Step, Reset, SetState
// and Shapes is set.
type Step struct {
	// Step holds one action per agent.
	Step []any `yaml:"step,omitempty"`

	// Repeat sends the same step this many times (default 1).
	Repeat int `yaml:"repeat,omitempty"`

	Reset    bool `yaml:"reset,omitempty"`
	SetState any  `yaml:"set_state,omitempty"`
	Shapes   bool `yaml:"shapes,omitempty"`

	// Expect is checked against the response, after the last repeat.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// op names the request the step sends, or "" when none or several are set.
func (s Step) op() string {
	var ops []string
	if s.Step != nil {
		ops = append(ops, OpStep)
	}
	if s.Reset {
		ops = append(ops, OpReset)
	}
	if s.SetState != nil {
		ops = append(ops, OpSetState)
	}
	if s.Shapes {
		ops = append(ops, OpShapes)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// ExpectClause lists per-agent expectations. Only the fields present are
// checked. Values are compared exactly, so write 1.0 for a float reward.
type ExpectClause struct {
	Agents     []any  `yaml:"agents,omitempty"`
	Obs        []any  `yaml:"obs,omitempty"`
	Rewards    []any  `yaml:"rewards,omitempty"`
	Terminated []bool `yaml:"terminated,omitempty"`
	Truncated  []bool `yaml:"truncated,omitempty"`
	State      any    `yaml:"state,omitempty"`
}

// ExpectFatal names the phase a worker must die in. Contains, when set,
// must appear in the error message.
type ExpectFatal struct {
	Phase    string `yaml:"phase"`
	Contains string `yaml:"contains,omitempty"`
}

// Assertion validates the trace after the session ends.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Op exists
	// - "trace_order": Ops appear in this order
	// - "trace_count": Op appears exactly Count times
	// - "total_reward": Agent's rewards sum to Value
	// - "done_at": Agent first terminates or truncates at event Seq
	// - "final_state": the last state sent contains Expect
	Type string `yaml:"type"`

	Op     string         `yaml:"op,omitempty"`
	Ops    []string       `yaml:"ops,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Agent  string         `yaml:"agent,omitempty"`
	Value  float64        `yaml:"value,omitempty"`
	Seq    int64          `yaml:"seq,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTotalReward   = "total_reward"
	AssertDoneAt        = "done_at"
	AssertFinalState    = "final_state"
)

var knownOps = []string{OpInitial, OpStep, OpReset, OpSetState, OpShapes, OpStop}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadScenarioDir loads every *.yaml file in dir, sorted by file name.
func LoadScenarioDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Env == "" {
		return fmt.Errorf("env is required")
	}
	if len(s.Steps) == 0 && s.ExpectFatal == nil {
		return fmt.Errorf("steps list is required unless expect_fatal is set")
	}
	if s.BufferSize < 0 {
		return fmt.Errorf("buffer_size must be non-negative")
	}

	for i, step := range s.Steps {
		op := step.op()
		if op == "" {
			return fmt.Errorf("steps[%d]: exactly one of step, reset, set_state, shapes is required", i)
		}
		if step.Repeat < 0 {
			return fmt.Errorf("steps[%d]: repeat must be non-negative", i)
		}
		if step.Repeat > 0 && op != OpStep {
			return fmt.Errorf("steps[%d]: repeat is only valid with step", i)
		}
		if step.Expect != nil && op == OpShapes {
			return fmt.Errorf("steps[%d]: expect is not valid with shapes", i)
		}
	}

	if s.ExpectFatal != nil && !slices.Contains(worker.Phases, worker.Phase(s.ExpectFatal.Phase)) {
		return fmt.Errorf("expect_fatal: unknown phase %q", s.ExpectFatal.Phase)
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if !slices.Contains(knownOps, a.Op) {
			return fmt.Errorf("assertions[%d]: known op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if !slices.Contains(knownOps, a.Op) {
			return fmt.Errorf("assertions[%d]: known op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTotalReward, AssertDoneAt:
		if a.Agent == "" {
			return fmt.Errorf("assertions[%d]: agent is required for %s", index, a.Type)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
