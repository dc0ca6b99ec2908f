// Package tcp provides the TCP implementation of transport.Transport.
package tcp

import (
	"net"

	"github.com/omochice/bluechat/internal/transport"
)

// Conn adapts net.Conn to transport.Conn.
type Conn struct {
	conn   net.Conn
	remote transport.Peer
}

// NewConn wraps a net.Conn whose handshake has already completed.
func NewConn(conn net.Conn, remote transport.Peer) *Conn {
	if remote.Addr == "" {
		remote.Addr = conn.RemoteAddr().String()
	}
	return &Conn{conn: conn, remote: remote}
}

// Read implements transport.Conn.
func (c *Conn) Read(buf []byte) (int, error) {
	return c.conn.Read(buf)
}

// Write implements transport.Conn.
func (c *Conn) Write(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemotePeer implements transport.Conn.
func (c *Conn) RemotePeer() transport.Peer {
	return c.remote
}
