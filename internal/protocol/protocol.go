// Package protocol defines the frames exchanged through the shared-memory
// region.
//
// Coordinator to worker (request):
//
//	[header u8]
//	  EnvAction:        [kind u8] then
//	                      Step:     [n u64] n x action
//	                      Reset:    nothing
//	                      SetState: state
//	  EnvShapesRequest: nothing
//	  Stop:             nothing
//
// Worker to coordinator (response):
//
//	[kind u8]
//	  Observations: [flags u8][n u64]
//	                [n x agent id]                      if FlagAgentIDs
//	                n x obs
//	                [n x (reward, terminated, truncated)] if FlagStepData
//	                [state metrics]                     if FlagMetrics
//	                [state]                             if FlagState
//	  Shapes:       obs space, action space
//
// Every value is encoded with the codec the serde table assigns to its kind.
// A frame must be consumed exactly; leftover bytes are a protocol error.
package protocol

import (
	"errors"
	"fmt"

	"github.com/roach88/envproc/internal/ir"
	"github.com/roach88/envproc/internal/serde"
)

var (
	// ErrUnknownHeader is returned for an unrecognized header or kind byte.
	ErrUnknownHeader = errors.New("protocol: unknown header")

	// ErrTrailingBytes is returned when a frame has bytes after its last field.
	ErrTrailingBytes = errors.New("protocol: trailing bytes in frame")

	// ErrAgentCount is returned when a count disagrees with the agent set.
	ErrAgentCount = errors.New("protocol: agent count mismatch")

	// ErrUnexpectedResponse is returned when a response has the wrong kind.
	ErrUnexpectedResponse = errors.New("protocol: unexpected response kind")
)

// Header is the first byte of every coordinator-to-worker frame.
type Header byte

const (
	HeaderEnvAction     Header = 0
	HeaderShapesRequest Header = 1
	HeaderStop          Header = 2
)

func (h Header) String() string {
	switch h {
	case HeaderEnvAction:
		return "env_action"
	case HeaderShapesRequest:
		return "shapes_request"
	case HeaderStop:
		return "stop"
	}
	return fmt.Sprintf("header(%d)", byte(h))
}

// ActionKind selects what an EnvAction asks the environment to do.
type ActionKind byte

const (
	ActionStep     ActionKind = 0
	ActionReset    ActionKind = 1
	ActionSetState ActionKind = 2
)

func (k ActionKind) String() string {
	switch k {
	case ActionStep:
		return "step"
	case ActionReset:
		return "reset"
	case ActionSetState:
		return "set_state"
	}
	return fmt.Sprintf("action(%d)", byte(k))
}

// EnvAction is the per-tick instruction for the environment.
type EnvAction struct {
	Kind ActionKind

	// Actions holds one action per agent, in the worker's agent order.
	// Only used with ActionStep.
	Actions []ir.Value

	// State is the desired environment state. Only used with ActionSetState.
	State ir.Value
}

// Request is a decoded coordinator-to-worker frame.
type Request struct {
	Header Header
	Action EnvAction
}

// Step builds a step request.
func Step(actions ...ir.Value) Request {
	return Request{Header: HeaderEnvAction, Action: EnvAction{Kind: ActionStep, Actions: actions}}
}

// Reset builds a reset request.
func Reset() Request {
	return Request{Header: HeaderEnvAction, Action: EnvAction{Kind: ActionReset}}
}

// SetState builds a set-state request.
func SetState(state ir.Value) Request {
	return Request{Header: HeaderEnvAction, Action: EnvAction{Kind: ActionSetState, State: state}}
}

// ShapesRequest builds a shapes request.
func ShapesRequest() Request {
	return Request{Header: HeaderShapesRequest}
}

// Stop builds a stop request.
func Stop() Request {
	return Request{Header: HeaderStop}
}

// AppendRequest encodes req onto buf.
func AppendRequest(buf []byte, t *serde.Table, req Request) ([]byte, error) {
	switch req.Header {
	case HeaderShapesRequest, HeaderStop:
		return append(buf, byte(req.Header)), nil
	case HeaderEnvAction:
	default:
		return buf, fmt.Errorf("%w: %s", ErrUnknownHeader, req.Header)
	}

	out := append(buf, byte(req.Header), byte(req.Action.Kind))
	switch req.Action.Kind {
	case ActionStep:
		out = serde.AppendUint64(out, uint64(len(req.Action.Actions)))
		for i, a := range req.Action.Actions {
			var err error
			if out, err = t.Append(serde.KindAction, out, a); err != nil {
				return buf, fmt.Errorf("action %d: %w", i, err)
			}
		}
	case ActionReset:
	case ActionSetState:
		var err error
		if out, err = t.Append(serde.KindState, out, req.Action.State); err != nil {
			return buf, err
		}
	default:
		return buf, fmt.Errorf("%w: %s", ErrUnknownHeader, req.Action.Kind)
	}
	return out, nil
}

// DecodeRequest decodes one coordinator-to-worker frame.
func DecodeRequest(t *serde.Table, frame []byte) (Request, error) {
	h, off, err := serde.RetrieveByte(frame, 0)
	if err != nil {
		return Request{}, fmt.Errorf("request header: %w", err)
	}

	req := Request{Header: Header(h)}
	switch req.Header {
	case HeaderShapesRequest, HeaderStop:
		return req, expectEnd(frame, off)
	case HeaderEnvAction:
	default:
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownHeader, req.Header)
	}

	k, off, err := serde.RetrieveByte(frame, off)
	if err != nil {
		return Request{}, fmt.Errorf("env action kind: %w", err)
	}
	req.Action.Kind = ActionKind(k)

	switch req.Action.Kind {
	case ActionStep:
		n, next, err := serde.RetrieveUint64(frame, off)
		if err != nil {
			return Request{}, fmt.Errorf("action count: %w", err)
		}
		off = next
		if n > uint64(len(frame)-off) {
			return Request{}, fmt.Errorf("%w: %d actions in %d bytes", ErrAgentCount, n, len(frame)-off)
		}
		req.Action.Actions = make([]ir.Value, n)
		for i := range req.Action.Actions {
			req.Action.Actions[i], off, err = t.Retrieve(serde.KindAction, frame, off)
			if err != nil {
				return Request{}, fmt.Errorf("action %d: %w", i, err)
			}
		}
	case ActionReset:
	case ActionSetState:
		req.Action.State, off, err = t.Retrieve(serde.KindState, frame, off)
		if err != nil {
			return Request{}, err
		}
	default:
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownHeader, req.Action.Kind)
	}

	return req, expectEnd(frame, off)
}

func expectEnd(frame []byte, off int) error {
	if off != len(frame) {
		return fmt.Errorf("%w: %d bytes after offset %d", ErrTrailingBytes, len(frame)-off, off)
	}
	return nil
}
