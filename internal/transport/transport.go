// Package transport defines the socket capability consumed by the chat core.
// Concrete implementations live in the tcp and ws subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned by Transport.Available when the
	// transport cannot be used on this host.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrClosed is returned by Listener.Accept after Close.
	ErrClosed = errors.New("transport closed")
)

// Peer identifies a remote endpoint.
type Peer struct {
	ID   string
	Name string
	Addr string
}

// String returns the display name, falling back to the address.
func (p Peer) String() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Addr
}

// Conn is an established point-to-point byte stream.
type Conn interface {
	// Read blocks until some bytes arrive. Closing the Conn unblocks it.
	Read(buf []byte) (int, error)

	// Write sends the whole buffer.
	Write(data []byte) error

	// Close closes the connection.
	Close() error

	// RemotePeer returns the peer learned during the handshake.
	RemotePeer() Peer
}

// Listener accepts inbound connections for one service.
type Listener interface {
	// Accept blocks until a peer connects. It returns ErrClosed once the
	// listener has been closed.
	Accept() (Conn, error)

	Close() error
}

// Transport opens listeners and dials peers.
type Transport interface {
	// Available reports whether the transport can be used right now.
	Available() error

	Listen(serviceID uuid.UUID) (Listener, error)

	// Dial blocks until the connection and handshake complete or ctx is
	// canceled.
	Dial(ctx context.Context, peer Peer, serviceID uuid.UUID) (Conn, error)
}

// Adapter is the shared radio/device adapter. Dialing and discovery
// contend for it, so discovery is paused before every dial.
type Adapter interface {
	CancelDiscovery() error
}

// NopAdapter is an Adapter with no discovery to cancel.
type NopAdapter struct{}

// CancelDiscovery implements Adapter.
func (NopAdapter) CancelDiscovery() error { return nil }
