package bridge

// State is a connection state of the Bridge.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateAuthorizing
	StatePolling
	StateBackoff
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:        "Idle",
	StateDiscovering: "Discovering",
	StateConnecting:  "Connecting",
	StateAuthorizing: "Authorizing",
	StatePolling:     "Polling",
	StateBackoff:     "Backoff",
	StateTerminated:  "Terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// allStates lists every state, for metric initialisation.
func allStates() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}
