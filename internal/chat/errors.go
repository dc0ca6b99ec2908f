package chat

import (
	"fmt"

	"github.com/omochice/bluechat/internal/transport"
)

// ErrorKind classifies a failure caught at a worker boundary.
type ErrorKind int

const (
	TransportUnavailable ErrorKind = iota + 1
	DialFailed
	ConnectionLost
	WriteFailed
	AcceptError
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case TransportUnavailable:
		return "transport unavailable"
	case DialFailed:
		return "dial failed"
	case ConnectionLost:
		return "connection lost"
	case WriteFailed:
		return "write failed"
	case AcceptError:
		return "accept error"
	default:
		return "unknown error"
	}
}

// Error wraps a transport error with its kind. It is only ever logged;
// consumers see Notice events instead.
type Error struct {
	Kind ErrorKind
	Peer transport.Peer
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != (transport.Peer{}) {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
