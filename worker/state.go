package worker

// State is the lifecycle state of a worker process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	// StateDegraded means the process is alive but its stdout stream closed.
	StateDegraded
	// StateTerminated means the process exited. It is final.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
