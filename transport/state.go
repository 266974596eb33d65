package transport

import "fmt"

// ConnectionState is the Manager's position in the connection state machine:
//
//	DISCONNECTED → CONNECTING → CONNECTED → {DISCONNECTED, ERROR} → RECONNECTING → CONNECTING …
//
// There is no terminal state while the owning session is alive; Cleanup is
// the only exit.
type ConnectionState uint8

const (
	// StateDisconnected means no connection exists and none is scheduled.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is live.
	StateConnected
	// StateError means the last dial or the live socket failed.
	StateError
	// StateReconnecting means a retry is scheduled under backoff.
	StateReconnecting
)

// String returns the state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("ConnectionState(%d)", uint8(s))
	}
}

// StateCallback observes connection state transitions.
type StateCallback func(ConnectionState)

// EnvelopeHandler processes one inbound envelope of a registered type.
type EnvelopeHandler func(*Envelope)

// SessionInvalidCallback receives the server's revocation reason. The Manager
// has already stopped reconnecting and released the socket by the time it
// fires; clearing credentials and navigating the UI is the subscriber's job.
type SessionInvalidCallback func(reason string)
