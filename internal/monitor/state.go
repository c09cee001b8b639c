package monitor

// State represents the current phase of a stream monitor.
type State int

const (
	// StateCreated is the initial state before the first iteration.
	StateCreated State = iota

	// StatePolling indicates a playlist request is in flight.
	StatePolling

	// StateDownloading indicates new parts are being handed to the part pool.
	StateDownloading

	// StateIdle indicates the monitor is waiting because the playlist had no parts.
	StateIdle

	// StateBackoff indicates the monitor is sleeping after repeated errors.
	StateBackoff

	// StateStopped indicates the monitor has exited.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePolling:
		return "polling"
	case StateDownloading:
		return "downloading"
	case StateIdle:
		return "idle"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while the monitor loop is running.
func (s State) IsActive() bool {
	return s != StateCreated && s != StateStopped
}

// AllStates lists every state in order, for metrics that export one
// series per state.
var AllStates = []State{StateCreated, StatePolling, StateDownloading, StateIdle, StateBackoff, StateStopped}
