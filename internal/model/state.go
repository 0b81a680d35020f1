package model

// SessionState is the phase of the session state machine.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingLogin
	StateAwaitingRegistration
	StateReady
	StateRegistrationFailed
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateReady:
		return "ready"
	case StateRegistrationFailed:
		return "registration_failed"
	default:
		return "unknown"
	}
}

// Connected reports whether the channel is open in this state.
func (s SessionState) Connected() bool {
	switch s {
	case StateAwaitingLogin, StateAwaitingRegistration, StateReady, StateRegistrationFailed:
		return true
	}
	return false
}

// Snapshot is a consistent, read-only view of a session.
type Snapshot struct {
	State     SessionState
	Identity  Identity // NoIdentity when unset
	Connected bool
	LastError error
}

// HasIdentity reports whether a confirmed identity is current.
func (s Snapshot) HasIdentity() bool {
	return s.Identity.Valid()
}
