package stream

// State is the connection lifecycle state.
//
// Disconnected -> Connecting -> Connected -> {Closed|Errored} ->
// Reconnecting -> Connecting ... and finally Failed once the reconnect
// budget is exhausted. Failed is terminal for automatic retries; an
// explicit Connect resumes.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateErrored
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Info is a read-only snapshot of the connection state.
type Info struct {
	State           State
	Attempt         int
	LastConnectedAt int64 // unix ms, zero if never connected
	LastError       error
}
