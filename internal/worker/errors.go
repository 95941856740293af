package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("worker: invalid config")

	// ErrIllegalTransition is returned when the lifecycle is driven out of order.
	ErrIllegalTransition = errors.New("worker: illegal state transition")

	// ErrBuilderPanic wraps a panic raised by the environment builder or step.
	ErrBuilderPanic = errors.New("worker: environment panicked")

	// ErrNilEnvironment is returned when a builder returns neither an
	// environment nor an error.
	ErrNilEnvironment = errors.New("worker: builder returned nil environment")

	// ErrSetStateUnsupported is returned for a set-state request against an
	// environment that does not implement env.StateSetter.
	ErrSetStateUnsupported = errors.New("worker: environment does not support set_state")

	// ErrAgentMismatch is returned when the environment's per-agent results
	// disagree with its agent set.
	ErrAgentMismatch = errors.New("worker: agent set mismatch")
)

// Phase names where in the lifecycle a fatal error happened.
type Phase string

const (
	// Startup phases.
	PhaseHandshake Phase = "handshake"
	PhaseBuild     Phase = "build"
	PhaseSetup     Phase = "setup"
	PhaseSync      Phase = "sync"
	PhaseReset     Phase = "reset"

	// Protocol phases.
	PhaseConsume Phase = "consume"
	PhaseDecode  Phase = "decode"
	PhaseStep    Phase = "step"
	PhaseCollect Phase = "collect"
	PhaseEncode  Phase = "encode"
	PhasePublish Phase = "publish"
	PhaseRecord  Phase = "record"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhaseHandshake, PhaseBuild, PhaseSetup, PhaseSync, PhaseReset,
	PhaseConsume, PhaseDecode, PhaseStep, PhaseCollect, PhaseEncode, PhasePublish, PhaseRecord,
}

// Startup reports whether p happens before the first frame is published.
func (p Phase) Startup() bool {
	switch p {
	case PhaseHandshake, PhaseBuild, PhaseSetup, PhaseSync, PhaseReset:
		return true
	}
	return false
}

// FatalError terminates a worker. There is no local recovery: the
// coordinator is expected to notice the exit and react.
type FatalError struct {
	Phase  Phase
	ProcID string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker %s: fatal %s error: %v", e.ProcID, e.Phase, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsStartupError reports whether err is a fatal error raised before the
// worker became ready.
// Uses errors.As to handle wrapped errors.
func IsStartupError(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Phase.Startup()
	}
	return false
}

// IsProtocolError reports whether err is a fatal error raised while
// exchanging frames.
// Uses errors.As to handle wrapped errors.
func IsProtocolError(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return !fe.Phase.Startup()
	}
	return false
}
