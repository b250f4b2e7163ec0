package job

// State of a job handle
type State string

// job states. Starting is held only inside Start and never observed by callers.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateKilled   State = "killed"
	StateFailed   State = "failed"
)

// Terminal reports whether the state ends a run
func (s State) Terminal() bool {
	return s == StateFinished || s == StateKilled || s == StateFailed
}

// isValidTransition enforces the allowed state machine edges
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateIdle
	case StateRunning:
		return to.Terminal()
	case StateFinished, StateKilled, StateFailed:
		return to == StateIdle
	default:
		return false
	}
}
