package replication

// State is the replication client state
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDisconnecting
	StateReconnecting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the client loop has exited in this state
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
