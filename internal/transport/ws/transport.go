package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
	"github.com/omochice/bluechat/pkg/protocol"
)

// DefaultHandshakeTimeout bounds the upgrade and hello exchange.
const DefaultHandshakeTimeout = 5 * time.Second

// Transport carries the chat stream over WebSocket. The upgrade request
// path is the service id, so a listener only upgrades requests for its
// own service.
type Transport struct {
	address          string
	local            transport.Peer
	dialer           ws.Dialer
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.handshakeTimeout = d }
}

// New creates a WebSocket transport that listens on address and
// introduces itself as local.
func New(address string, local transport.Peer, opts ...Option) *Transport {
	t := &Transport{
		address:          address,
		local:            local,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func servicePath(serviceID uuid.UUID) string {
	return "/" + serviceID.String()
}

// Available implements transport.Transport.
func (t *Transport) Available() error {
	return nil
}

// Listen implements transport.Transport.
func (t *Transport) Listen(serviceID uuid.UUID) (transport.Listener, error) {
	ln, err := net.Listen("tcp", t.address)
	if err != nil {
		return nil, fmt.Errorf("failed to start WebSocket listener: %w", err)
	}
	t.logger.Info("WebSocket listener started",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", servicePath(serviceID)))
	return &Listener{ln: ln, t: t, serviceID: serviceID}, nil
}

// Dial implements transport.Transport.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, serviceID uuid.UUID) (transport.Conn, error) {
	url := "ws://" + peer.Addr + servicePath(serviceID)
	c, br, _, err := t.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn := newConn(c, bufferedReader(br), false, peer)

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
	remote, err := t.handshake(conn, serviceID)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		c.Close()
		return nil, err
	}

	if conn.remote.Name == "" {
		conn.remote.Name = remote.Name
	}
	conn.remote.ID = remote.PeerID
	return conn, nil
}

// bufferedReader keeps the dialer's reader only when the server already
// sent frames behind the upgrade response.
func bufferedReader(br *bufio.Reader) io.Reader {
	if br == nil {
		return nil
	}
	if br.Buffered() == 0 {
		ws.PutReader(br)
		return nil
	}
	return br
}

// handshake exchanges hellos as the first binary message on each side.
// The client speaks first.
func (t *Transport) handshake(c *Conn, serviceID uuid.UUID) (*protocol.Hello, error) {
	if t.handshakeTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(t.handshakeTimeout))
	}

	own, err := (&protocol.Hello{ServiceID: serviceID, PeerID: t.local.ID, Name: t.local.Name}).Encode()
	if err != nil {
		return nil, err
	}
	if !c.server {
		if err := c.writeMessage(own); err != nil {
			return nil, fmt.Errorf("failed to send hello: %w", err)
		}
	}

	data, err := c.readMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	remote := &protocol.Hello{}
	if err := remote.Decode(data); err != nil {
		return nil, err
	}
	if err := remote.Check(serviceID); err != nil {
		return nil, err
	}

	if c.server {
		if err := c.writeMessage(own); err != nil {
			return nil, fmt.Errorf("failed to send hello: %w", err)
		}
	}

	_ = c.conn.SetDeadline(time.Time{})
	return remote, nil
}

// Listener upgrades inbound TCP connections for one service.
type Listener struct {
	ln        net.Listener
	t         *Transport
	serviceID uuid.UUID

	mu      sync.Mutex
	pending net.Conn
	closed  bool
}

// Addr returns the listening address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept implements transport.Listener. Connections that fail the upgrade
// or the hello are dropped and accepting continues.
func (l *Listener) Accept() (transport.Conn, error) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
		}

		if !l.track(c) {
			c.Close()
			return nil, transport.ErrClosed
		}
		conn, err := l.upgrade(c)
		if closed := l.untrack(); closed {
			c.Close()
			return nil, transport.ErrClosed
		}
		if err != nil {
			l.t.logger.Warn("dropping inbound connection",
				zap.String("remote", c.RemoteAddr().String()),
				zap.Error(err))
			c.Close()
			continue
		}
		return conn, nil
	}
}

func (l *Listener) upgrade(c net.Conn) (*Conn, error) {
	if l.t.handshakeTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(l.t.handshakeTimeout))
	}

	path := servicePath(l.serviceID)
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if string(uri) != path {
				return ws.RejectConnectionError(ws.RejectionStatus(404))
			}
			return nil
		},
	}
	if _, err := u.Upgrade(c); err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := NewServerConn(c, transport.Peer{})
	remote, err := l.t.handshake(conn, l.serviceID)
	if err != nil {
		return nil, err
	}
	conn.remote.ID = remote.PeerID
	conn.remote.Name = remote.Name
	return conn, nil
}

// track records the socket being handshaken so Close can interrupt it.
func (l *Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.pending = c
	return true
}

// untrack clears the pending socket and reports whether the listener was
// closed meanwhile.
func (l *Listener) untrack() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
	return l.closed
}

// Close implements transport.Listener. A handshake in progress is
// aborted.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	if l.pending != nil {
		l.pending.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}
