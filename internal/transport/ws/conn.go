// Package ws provides the WebSocket implementation of transport.Transport,
// built on gobwas/ws.
package ws

import (
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/bluechat/internal/transport"
)

// Conn adapts a WebSocket connection to the transport.Conn byte stream.
// Each Write is sent as one binary message; reads hand out message bytes,
// buffering whatever does not fit the caller's buffer.
type Conn struct {
	conn   net.Conn
	rw     io.ReadWriter
	server bool
	remote transport.Peer

	mu            sync.Mutex
	readBuffer    []byte
	readBufferPos int

	writeMu sync.Mutex
}

func newConn(conn net.Conn, r io.Reader, server bool, remote transport.Peer) *Conn {
	if r == nil {
		r = conn
	}
	if remote.Addr == "" {
		remote.Addr = conn.RemoteAddr().String()
	}
	return &Conn{
		conn:   conn,
		rw:     readWriter{r, conn},
		server: server,
		remote: remote,
	}
}

type readWriter struct {
	io.Reader
	io.Writer
}

// NewServerConn wraps the server side of an upgraded connection.
func NewServerConn(conn net.Conn, remote transport.Peer) *Conn {
	return newConn(conn, nil, true, remote)
}

// NewClientConn wraps the client side of an upgraded connection.
func NewClientConn(conn net.Conn, remote transport.Peer) *Conn {
	return newConn(conn, nil, false, remote)
}

// Read implements transport.Conn.
func (c *Conn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readBufferPos < len(c.readBuffer) {
		n := copy(buf, c.readBuffer[c.readBufferPos:])
		c.readBufferPos += n
		if c.readBufferPos >= len(c.readBuffer) {
			c.readBuffer = nil
			c.readBufferPos = 0
		}
		return n, nil
	}

	data, err := c.readMessage()
	if err != nil {
		return 0, err
	}

	n := copy(buf, data)
	if n < len(data) {
		c.readBuffer = data[n:]
		c.readBufferPos = 0
	}
	return n, nil
}

// Write implements transport.Conn.
func (c *Conn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeMessage(data)
}

// Close implements transport.Conn. The close frame is skipped when a
// write is in flight so that Close never blocks behind it.
func (c *Conn) Close() error {
	if c.writeMu.TryLock() {
		if c.server {
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
		} else {
			_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
		}
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}

// RemotePeer implements transport.Conn.
func (c *Conn) RemotePeer() transport.Peer {
	return c.remote
}

func (c *Conn) readMessage() ([]byte, error) {
	if c.server {
		return wsutil.ReadClientBinary(c.rw)
	}
	return wsutil.ReadServerBinary(c.rw)
}

func (c *Conn) writeMessage(data []byte) error {
	if c.server {
		return wsutil.WriteServerBinary(c.conn, data)
	}
	return wsutil.WriteClientBinary(c.conn, data)
}
