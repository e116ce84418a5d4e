package delivery

// State is the engine's connection state.
type State int32

const (
	// StateStopped is the state before Start and after Stop.
	StateStopped State = iota
	// StateConnecting is the first stream attempt after Start.
	StateConnecting
	// StateLive means messages arrive over the open stream.
	StateLive
	// StatePolling means messages are fetched periodically.
	StatePolling
	// StateReconnecting means the stream dropped and is being reopened.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StatePolling:
		return "polling"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionChange is passed to the connection callback on every transition.
type ConnectionChange struct {
	From State
	To   State
}
