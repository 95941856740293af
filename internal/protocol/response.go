package protocol

import (
	"fmt"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/serde"
)

// ResponseKind is the first byte of every worker-to-coordinator frame.
type ResponseKind byte

const (
	ResponseObservations ResponseKind = 0
	ResponseShapes       ResponseKind = 1
)

// Flags mark which optional sections an observations frame carries.
type Flags byte

const (
	FlagAgentIDs Flags = 1 << iota
	FlagStepData
	FlagMetrics
	FlagState

	knownFlags = FlagAgentIDs | FlagStepData | FlagMetrics | FlagState
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// AgentData is one agent's slice of a tick.
type AgentData struct {
	ID  ir.Value
	Obs ir.Value

	// Reward, Terminated and Truncated are only meaningful for step results.
	Reward     ir.Value
	Terminated bool
	Truncated  bool
}

// StepRecord is everything a worker publishes for one tick.
// It lives only until the next frame overwrites the region.
type StepRecord struct {
	Agents []AgentData

	// IncludeIDs writes the agent ID block. The initial frame, frames after
	// reset or set-state, and every frame when agent IDs are recomputed
	// each step carry it.
	IncludeIDs bool

	// HasStepData writes rewards and done flags (step results only).
	HasStepData bool

	// Metrics and State are written when non-nil.
	Metrics ir.Value
	State   ir.Value
}

// Flags returns the presence bits for the record.
func (r *StepRecord) Flags() Flags {
	var f Flags
	if r.IncludeIDs {
		f |= FlagAgentIDs
	}
	if r.HasStepData {
		f |= FlagStepData
	}
	if r.Metrics != nil {
		f |= FlagMetrics
	}
	if r.State != nil {
		f |= FlagState
	}
	return f
}

// AgentIDs returns the IDs in agent order.
func (r *StepRecord) AgentIDs() []ir.Value {
	ids := make([]ir.Value, len(r.Agents))
	for i, a := range r.Agents {
		ids[i] = a.ID
	}
	return ids
}

// AppendStepRecord encodes rec as an observations frame.
func AppendStepRecord(buf []byte, t *serde.Table, rec *StepRecord) ([]byte, error) {
	flags := rec.Flags()
	out := append(buf, byte(ResponseObservations), byte(flags))
	out = serde.AppendUint64(out, uint64(len(rec.Agents)))

	var err error
	if flags.Has(FlagAgentIDs) {
		for i, a := range rec.Agents {
			if out, err = t.Append(serde.KindAgentID, out, a.ID); err != nil {
				return buf, fmt.Errorf("agent %d: %w", i, err)
			}
		}
	}
	for i, a := range rec.Agents {
		if out, err = t.Append(serde.KindObs, out, a.Obs); err != nil {
			return buf, fmt.Errorf("agent %d: %w", i, err)
		}
	}
	if flags.Has(FlagStepData) {
		for i, a := range rec.Agents {
			if out, err = t.Append(serde.KindReward, out, a.Reward); err != nil {
				return buf, fmt.Errorf("agent %d: %w", i, err)
			}
			out = serde.AppendBool(out, a.Terminated)
			out = serde.AppendBool(out, a.Truncated)
		}
	}
	if flags.Has(FlagMetrics) {
		if out, err = t.Append(serde.KindStateMetrics, out, rec.Metrics); err != nil {
			return buf, err
		}
	}
	if flags.Has(FlagState) {
		if out, err = t.Append(serde.KindState, out, rec.State); err != nil {
			return buf, err
		}
	}
	return out, nil
}

// DecodeStepRecord decodes an observations frame. When the frame carries no
// agent ID block, knownIDs (from the last frame that did) fill the IDs and
// must match the agent count.
func DecodeStepRecord(t *serde.Table, frame []byte, knownIDs []ir.Value) (*StepRecord, error) {
	kind, off, err := serde.RetrieveByte(frame, 0)
	if err != nil {
		return nil, fmt.Errorf("response kind: %w", err)
	}
	if ResponseKind(kind) != ResponseObservations {
		return nil, fmt.Errorf("%w: got %d, want observations", ErrUnexpectedResponse, kind)
	}

	fb, off, err := serde.RetrieveByte(frame, off)
	if err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}
	flags := Flags(fb)
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: flags %#x", ErrUnknownHeader, fb)
	}

	n, off, err := serde.RetrieveUint64(frame, off)
	if err != nil {
		return nil, fmt.Errorf("agent count: %w", err)
	}
	if n > uint64(len(frame)-off) {
		return nil, fmt.Errorf("%w: %d agents in %d bytes", ErrAgentCount, n, len(frame)-off)
	}
	if !flags.Has(FlagAgentIDs) && uint64(len(knownIDs)) != n {
		return nil, fmt.Errorf("%w: frame has %d agents, %d known IDs", ErrAgentCount, n, len(knownIDs))
	}

	rec := &StepRecord{
		Agents:      make([]AgentData, n),
		IncludeIDs:  flags.Has(FlagAgentIDs),
		HasStepData: flags.Has(FlagStepData),
	}

	for i := range rec.Agents {
		if rec.IncludeIDs {
			if rec.Agents[i].ID, off, err = t.Retrieve(serde.KindAgentID, frame, off); err != nil {
				return nil, fmt.Errorf("agent %d: %w", i, err)
			}
		} else {
			rec.Agents[i].ID = knownIDs[i]
		}
	}
	for i := range rec.Agents {
		if rec.Agents[i].Obs, off, err = t.Retrieve(serde.KindObs, frame, off); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, err)
		}
	}
	if rec.HasStepData {
		for i := range rec.Agents {
			a := &rec.Agents[i]
			if a.Reward, off, err = t.Retrieve(serde.KindReward, frame, off); err != nil {
				return nil, fmt.Errorf("agent %d: %w", i, err)
			}
			if a.Terminated, off, err = serde.RetrieveBool(frame, off); err != nil {
				return nil, fmt.Errorf("agent %d terminated: %w", i, err)
			}
			if a.Truncated, off, err = serde.RetrieveBool(frame, off); err != nil {
				return nil, fmt.Errorf("agent %d truncated: %w", i, err)
			}
		}
	}
	if flags.Has(FlagMetrics) {
		if rec.Metrics, off, err = t.Retrieve(serde.KindStateMetrics, frame, off); err != nil {
			return nil, err
		}
	}
	if flags.Has(FlagState) {
		if rec.State, off, err = t.Retrieve(serde.KindState, frame, off); err != nil {
			return nil, err
		}
	}

	if err := expectEnd(frame, off); err != nil {
		return nil, err
	}
	return rec, nil
}

// Shapes describes the environment's observation and action spaces.
type Shapes struct {
	ObsSpace    ir.Value
	ActionSpace ir.Value
}

// AppendShapes encodes a shapes response.
func AppendShapes(buf []byte, t *serde.Table, s Shapes) ([]byte, error) {
	out := append(buf, byte(ResponseShapes))
	var err error
	if out, err = t.Append(serde.KindObsSpace, out, s.ObsSpace); err != nil {
		return buf, err
	}
	if out, err = t.Append(serde.KindActionSpace, out, s.ActionSpace); err != nil {
		return buf, err
	}
	return out, nil
}

// DecodeShapes decodes a shapes response.
func DecodeShapes(t *serde.Table, frame []byte) (Shapes, error) {
	kind, off, err := serde.RetrieveByte(frame, 0)
	if err != nil {
		return Shapes{}, fmt.Errorf("response kind: %w", err)
	}
	if ResponseKind(kind) != ResponseShapes {
		return Shapes{}, fmt.Errorf("%w: got %d, want shapes", ErrUnexpectedResponse, kind)
	}

	var s Shapes
	if s.ObsSpace, off, err = t.Retrieve(serde.KindObsSpace, frame, off); err != nil {
		return Shapes{}, err
	}
	if s.ActionSpace, off, err = t.Retrieve(serde.KindActionSpace, frame, off); err != nil {
		return Shapes{}, err
	}
	return s, expectEnd(frame, off)
}
