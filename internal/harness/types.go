package harness

import (
	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/protocol"
)

// Trace operation names.
const (
	OpInitial  = "initial"
	OpStep     = "step"
	OpReset    = "reset"
	OpSetState = "set_state"
	OpShapes   = "shapes"
	OpStop     = "stop"
)

// TraceEvent is one request/response exchange with the worker.
type TraceEvent struct {
	Seq int64
	Op  string

	// Actions is set for steps, Input for set_state.
	Actions []ir.Value
	Input   ir.Value

	// Agents is the decoded response. HasStepData marks step results.
	Agents      []protocol.AgentData
	HasStepData bool
	Metrics     ir.Value
	State       ir.Value

	// ObsSpace and ActionSpace are set for shapes.
	ObsSpace    ir.Value
	ActionSpace ir.Value
}

// toCanonical renders the event for golden comparison and digests.
// Absent fields are omitted rather than written as null.
func (e TraceEvent) toCanonical() ir.Object {
	obj := ir.Object{
		"seq": ir.Int(e.Seq),
		"op":  ir.String(e.Op),
	}
	if e.Op == OpStep {
		obj["actions"] = ir.Array(append([]ir.Value{}, e.Actions...))
	}
	if e.Input != nil {
		obj["input"] = e.Input
	}
	if e.Agents != nil {
		agents := make(ir.Array, len(e.Agents))
		for i, a := range e.Agents {
			entry := ir.Object{"id": a.ID, "obs": a.Obs}
			if e.HasStepData {
				entry["reward"] = a.Reward
				entry["terminated"] = ir.Bool(a.Terminated)
				entry["truncated"] = ir.Bool(a.Truncated)
			}
			agents[i] = entry
		}
		obj["agents"] = agents
	}
	if e.Metrics != nil {
		obj["metrics"] = e.Metrics
	}
	if e.State != nil {
		obj["state"] = e.State
	}
	if e.ObsSpace != nil {
		obj["obs_space"] = e.ObsSpace
	}
	if e.ActionSpace != nil {
		obj["action_space"] = e.ActionSpace
	}
	return obj
}

// Fatal describes the error that terminated the worker.
type Fatal struct {
	Phase   string
	Message string
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool

	// Trace holds every exchange in order.
	Trace []TraceEvent

	// Errors contains expectation and assertion failures.
	Errors []string

	// Fatal is set when the worker exited with a fatal error.
	Fatal *Fatal

	// Digest identifies the canonical trace.
	Digest string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	e.Seq = int64(len(r.Trace))
	r.Trace = append(r.Trace, e)
}

func (r *Result) addRecord(op string, actions []ir.Value, input ir.Value, rec *protocol.StepRecord) {
	r.add(TraceEvent{
		Op:          op,
		Actions:     actions,
		Input:       input,
		Agents:      rec.Agents,
		HasStepData: rec.HasStepData,
		Metrics:     rec.Metrics,
		State:       rec.State,
	})
}
