package session

import "fmt"

// State is the session connection state
type State int

const (
	// StateDisconnected is the initial state, and terminal after explicit close
	StateDisconnected State = iota
	// StateConnecting means the underlying radio link is being established
	StateConnecting
	// StateHandshaking means the link is up and the key exchange is running
	StateHandshaking
	// StateReady means the session is authenticated and can carry requests
	StateReady
	// StateReconnecting means the link was lost from Ready and a fresh
	// connect attempt is due
	StateReconnecting
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
