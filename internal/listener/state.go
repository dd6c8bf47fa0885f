package listener

// State is the lifecycle state of the listener.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
