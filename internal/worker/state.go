package worker

// State is a step in the lifecycle of one worker invocation.
type State int

// Invocation states. Succeeded, Failed and Killed are the terminal states
// that precede Done.
const (
	StateIdle State = iota
	StateSpawning
	StateRunning
	StateSucceeded
	StateFailed
	StateKilled
	StateDone
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateSpawning:  "spawning",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
	StateKilled:    "killed",
	StateDone:      "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateSpawning || to == StateFailed
	case StateSpawning:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateKilled
	case StateSucceeded, StateFailed, StateKilled:
		return to == StateDone
	default:
		return false
	}
}
