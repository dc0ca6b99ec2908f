package chat

// State is the lifecycle state of the link.
type State int

const (
	StateIdle State = iota
	StateListening
	StateDialing
	StateConnected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateDialing:
		return "DIALING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}
