package shell

import "sync"

// Phase is the lifecycle state of the shell
type Phase string

// Shell phases
const (
	PhaseInitializing Phase = "Initializing"
	PhaseStarting     Phase = "Starting"
	PhaseRunning      Phase = "Running"
	PhaseStopping     Phase = "Stopping"
	PhaseStopped      Phase = "Stopped"
	PhaseError        Phase = "Error"
)

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseInitializing: {
		PhaseStarting: {},
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseStarting: {
		PhaseRunning:  {},
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseRunning: {
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseStopping: {
		PhaseStopped: {},
		PhaseError:   {},
	},
	PhaseError: {
		PhaseStopping: {},
	},
}

type phaseMachine struct {
	mu      sync.RWMutex
	current Phase
	changed chan struct{}
}

func newPhaseMachine(initial Phase) *phaseMachine {
	return &phaseMachine{current: initial, changed: make(chan struct{})}
}

// Transition moves to next when the table allows it
func (pm *phaseMachine) Transition(next Phase) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.current == next {
		return true
	}
	if allowed, ok := allowedTransitions[pm.current]; ok {
		if _, ok := allowed[next]; ok {
			pm.current = next
			close(pm.changed)
			pm.changed = make(chan struct{})
			return true
		}
	}
	return false
}

// Current returns the phase and a channel closed on the next transition
func (pm *phaseMachine) Current() (Phase, <-chan struct{}) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current, pm.changed
}
