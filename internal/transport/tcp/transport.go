package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
	"github.com/omochice/bluechat/pkg/protocol"
)

// DefaultHandshakeTimeout bounds the hello exchange on a fresh socket.
const DefaultHandshakeTimeout = 5 * time.Second

// Transport listens and dials over TCP, exchanging a protocol.Hello on
// every new connection.
type Transport struct {
	address          string
	local            transport.Peer
	dialer           net.Dialer
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

// New creates a TCP transport that listens on address and introduces
// itself as local.
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

// Available implements transport.Transport. It fails when the host has no
// network interface up.
func (t *Transport) Available() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no network interface up", transport.ErrUnavailable)
}

// Listen implements transport.Transport.
func (t *Transport) Listen(serviceID uuid.UUID) (transport.Listener, error) {
	ln, err := net.Listen("tcp", t.address)
	if err != nil {
		return nil, fmt.Errorf("failed to start TCP listener: %w", err)
	}
	t.logger.Info("TCP listener started",
		zap.String("addr", ln.Addr().String()),
		zap.Stringer("service", serviceID))
	return &Listener{ln: ln, t: t, serviceID: serviceID}, nil
}

// Dial implements transport.Transport.
func (t *Transport) Dial(ctx context.Context, peer transport.Peer, serviceID uuid.UUID) (transport.Conn, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer.Addr, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
	remote, err := t.handshake(c, serviceID, true)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		c.Close()
		return nil, err
	}

	if peer.Name == "" {
		peer.Name = remote.Name
	}
	peer.ID = remote.ID
	return NewConn(c, peer), nil
}

// handshake exchanges hellos. The dialing side speaks first.
func (t *Transport) handshake(c net.Conn, serviceID uuid.UUID, dialing bool) (transport.Peer, error) {
	if t.handshakeTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(t.handshakeTimeout))
	}

	own := &protocol.Hello{ServiceID: serviceID, PeerID: t.local.ID, Name: t.local.Name}
	remote, err := exchangeHello(c, own, serviceID, dialing)
	if err != nil {
		return transport.Peer{}, fmt.Errorf("handshake with %s failed: %w", c.RemoteAddr(), err)
	}

	_ = c.SetDeadline(time.Time{})
	return transport.Peer{
		ID:   remote.PeerID,
		Name: remote.Name,
		Addr: c.RemoteAddr().String(),
	}, nil
}

func exchangeHello(c net.Conn, own *protocol.Hello, serviceID uuid.UUID, dialing bool) (*protocol.Hello, error) {
	if dialing {
		if err := protocol.WriteHello(c, own); err != nil {
			return nil, err
		}
	}

	remote, err := protocol.ReadHello(c)
	if err != nil {
		return nil, err
	}
	if err := remote.Check(serviceID); err != nil {
		return nil, err
	}

	if !dialing {
		if err := protocol.WriteHello(c, own); err != nil {
			return nil, err
		}
	}
	return remote, nil
}

// Listener accepts TCP connections for one service.
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

// Accept implements transport.Listener. Sockets that fail the handshake
// are dropped and accepting continues.
func (l *Listener) Accept() (transport.Conn, error) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("failed to accept TCP connection: %w", err)
		}

		if !l.track(c) {
			c.Close()
			return nil, transport.ErrClosed
		}
		remote, err := l.t.handshake(c, l.serviceID, false)
		if closed := l.untrack(); closed {
			c.Close()
			return nil, transport.ErrClosed
		}
		if err != nil {
			l.t.logger.Warn("dropping inbound connection", zap.Error(err))
			c.Close()
			continue
		}
		return NewConn(c, remote), nil
	}
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
