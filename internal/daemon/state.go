package daemon

import (
	"sync"
	"sync/atomic"
)

// State is the daemon lifecycle state. Exactly one value is current at
// any time.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StateMachine holds the lifecycle state and validates transitions.
// Reads are lock-free; writes are validated under a mutex so that
// concurrent callers cannot race a check-then-store.
type StateMachine struct {
	current atomic.Int32
	mu      sync.Mutex
}

// NewStateMachine returns a state machine in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// State returns the current state without blocking.
func (m *StateMachine) State() State {
	return State(m.current.Load())
}

// TransitionTo performs the move to target if the transition table
// allows it, returning false without changing state otherwise.
func (m *StateMachine) TransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := State(m.current.Load())
	if !validTransition(from, target) {
		return false
	}
	m.current.Store(int32(target))
	return true
}

func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateStarting
	case StateStarting:
		// Running on success, Idle when startup failed or the child
		// died during the startup delay
		return to == StateRunning || to == StateIdle
	case StateRunning:
		// Stopping on spin_down or watchdog trip, Idle when a probe
		// observed the child dead
		return to == StateStopping || to == StateIdle
	case StateStopping:
		return to == StateIdle
	default:
		return false
	}
}
