package transport

// State is the lifecycle state of the duplex connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Open reports whether frames can be written in this state.
func (s State) Open() bool {
	return s == StateConnected || s == StateAuthenticated
}
