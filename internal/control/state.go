package control

import "time"

// State is an orchestrator lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{
	StateIdle,
	StateInitializing,
	StateRunning,
	StateReconnecting,
	StateShuttingDown,
	StateStopped,
}

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:         {StateInitializing, StateShuttingDown},
	StateInitializing: {StateRunning, StateReconnecting, StateShuttingDown},
	StateRunning:      {StateReconnecting, StateShuttingDown},
	StateReconnecting: {StateRunning, StateReconnecting, StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}
