package worker

import "fmt"

// State is a runner lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateSeeded
	StateBuilt
	StateReady
	StateStepping
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSeeded:
		return "seeded"
	case StateBuilt:
		return "built"
	case StateReady:
		return "ready"
	case StateStepping:
		return "stepping"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// transitions lists the legal successors of each state. Shutdown is
// reachable from every state so fatal errors can always terminate.
var transitions = map[State][]State{
	StateUninitialized: {StateSeeded, StateShutdown},
	StateSeeded:        {StateBuilt, StateShutdown},
	StateBuilt:         {StateReady, StateShutdown},
	StateReady:         {StateStepping, StateShutdown},
	StateStepping:      {StateReady, StateShutdown},
	StateShutdown:      nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
