package backend

// State represents the connection state of a node.
type State int

const (
	StateDisconnected State = iota // No socket, no retry scheduled
	StateConnecting                // Handshake in flight
	StateConnected                 // Socket open
	StateReconnecting              // Waiting for the next retry
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
