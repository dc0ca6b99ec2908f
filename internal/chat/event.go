package chat

// Notice texts.
const (
	NoticeConnectionLost = "Connection Lost"
	NoticeDialFailed     = "Cant connect to the device"
	NoticeUnavailable    = "Transport unavailable"
	NoticeListenFailed   = "Unable to listen for connections"
)

// Event is delivered to the consumer of Manager.Events. The concrete type
// is one of StateChanged, InboundBytes, OutboundBytesAck, PeerNamed or
// Notice.
type Event interface {
	event()
}

// StateChanged reports a state transition.
type StateChanged struct {
	State State
}

// InboundBytes carries the bytes of one read. Message boundaries are not
// preserved.
type InboundBytes struct {
	Data   []byte
	Length int
}

// OutboundBytesAck reports that Data was written to the peer.
type OutboundBytesAck struct {
	Data []byte
}

// PeerNamed reports the display name of the newly connected peer.
type PeerNamed struct {
	Name string
}

// Notice is a user-facing failure message.
type Notice struct {
	Text string
}

func (StateChanged) event()     {}
func (InboundBytes) event()     {}
func (OutboundBytesAck) event() {}
func (PeerNamed) event()        {}
func (Notice) event()           {}
