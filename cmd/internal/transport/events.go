package transport

// Lifecycle event names. They share the subscription namespace with the wire
// event types but never travel over the connection.
const (
	EventDisconnected     = "disconnected"
	EventConnectError     = "connect_error"
	EventReconnected      = "reconnected"
	EventReconnectAttempt = "reconnect_attempt"
	EventStateChanged     = "state_changed"
)

// Disconnected fires whenever an established connection closes.
type Disconnected struct {
	Reason string
}

// ConnectError fires for every failed dial. Terminal is set on the last one,
// after which the transport stops retrying until Connect is called again.
type ConnectError struct {
	Err      error
	Attempt  int
	Terminal bool
}

// Reconnected fires when a connection is re-established after a loss.
// Attempt is the number of dials the reconnection took.
type Reconnected struct {
	Attempt int
}

// ReconnectAttempt fires right before each redial.
type ReconnectAttempt struct {
	Attempt int
}

// StateChanged fires on every state transition.
type StateChanged struct {
	From State
	To   State
}

func (Disconnected) EventType() string     { return EventDisconnected }
func (ConnectError) EventType() string     { return EventConnectError }
func (Reconnected) EventType() string      { return EventReconnected }
func (ReconnectAttempt) EventType() string { return EventReconnectAttempt }
func (StateChanged) EventType() string     { return EventStateChanged }
