package domain

// SessionState is the lifecycle phase of one upstream connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateWelcomed
	StateSubscribing
	StateActive
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWelcomed:
		return "welcomed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed
}

// AllSessionStates lists every state, in lifecycle order.
var AllSessionStates = []SessionState{
	StateConnecting, StateWelcomed, StateSubscribing, StateActive, StateReconnecting, StateClosed,
}
