package chat_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/omochice/bluechat/internal/chat"
	"github.com/omochice/bluechat/internal/transport"
)

const eventTimeout = 2 * time.Second

// fakeConn is an in-memory transport.Conn driven by the test.
type fakeConn struct {
	peer    transport.Peer
	reads   chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closeErr error
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{
		peer:    transport.Peer{ID: name + "-id", Name: name, Addr: name + ":1"},
		reads:   make(chan []byte, 10),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(buf []byte) (int, error) {
	select {
	case data := <-c.reads:
		return copy(buf, data), nil
	case err := <-c.readErr:
		return 0, err
	case <-c.closed:
		return 0, io.ErrClosedPipe
	}
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *fakeConn) RemotePeer() transport.Peer {
	return c.peer
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) setCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

func (c *fakeConn) getWritten() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// fakeListener hands out connections pushed by the test.
type fakeListener struct {
	conns  chan transport.Conn
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (l *fakeListener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.closed:
		return nil, transport.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn transport.Conn
	err  error
}

// dialAttempt is one blocked Dial call, resolved by the test.
type dialAttempt struct {
	ctx                context.Context
	peer               transport.Peer
	discoveryCancelled bool
	result             chan dialResult
}

func (a *dialAttempt) succeed(c transport.Conn) {
	a.result <- dialResult{conn: c}
}

func (a *dialAttempt) fail(err error) {
	a.result <- dialResult{err: err}
}

type fakeTransport struct {
	adapter *fakeAdapter
	dials   chan *dialAttempt

	mu          sync.Mutex
	listeners   []*fakeListener
	unavailable error
	listenErr   error

	// ignoreCancel makes Dial block until resolved even after ctx is
	// cancelled, like a socket whose connect completes during close.
	ignoreCancel bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		adapter: &fakeAdapter{},
		dials:   make(chan *dialAttempt, 10),
	}
}

func (t *fakeTransport) Available() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unavailable
}

func (t *fakeTransport) Listen(uuid.UUID) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	l := &fakeListener{
		conns:  make(chan transport.Conn, 10),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	t.listeners = append(t.listeners, l)
	return l, nil
}

func (t *fakeTransport) Dial(ctx context.Context, peer transport.Peer, _ uuid.UUID) (transport.Conn, error) {
	a := &dialAttempt{
		ctx:                ctx,
		peer:               peer,
		discoveryCancelled: t.adapter.calls.Load() > 0,
		result:             make(chan dialResult, 1),
	}
	t.dials <- a

	t.mu.Lock()
	ignore := t.ignoreCancel
	t.mu.Unlock()
	if ignore {
		r := <-a.result
		return r.conn, r.err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-a.result:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	}
}

func (t *fakeTransport) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *fakeTransport) listener(i int) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[i]
}

type fakeAdapter struct {
	calls atomic.Int32
}

func (a *fakeAdapter) CancelDiscovery() error {
	a.calls.Add(1)
	return nil
}

func newManager(t *testing.T) (*chat.Manager, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	m := chat.New(tr, chat.WithAdapter(tr.adapter))
	t.Cleanup(func() { m.Close() })
	return m, tr
}

func nextEvent(t *testing.T, m *chat.Manager) chat.Event {
	t.Helper()
	select {
	case e := <-m.Events():
		return e
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func expectEvents(t *testing.T, m *chat.Manager, want ...chat.Event) {
	t.Helper()
	for _, w := range want {
		require.Equal(t, w, nextEvent(t, m))
	}
}

func expectNoEvent(t *testing.T, m *chat.Manager) {
	t.Helper()
	select {
	case e := <-m.Events():
		t.Fatalf("unexpected event %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func nextDial(t *testing.T, tr *fakeTransport) *dialAttempt {
	t.Helper()
	select {
	case a := <-tr.dials:
		return a
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// connectInbound starts m and promotes an inbound connection from name.
func connectInbound(t *testing.T, m *chat.Manager, tr *fakeTransport, name string) *fakeConn {
	t.Helper()
	m.Start()
	expectEvents(t, m, chat.StateChanged{State: chat.StateListening})

	c := newFakeConn(name)
	tr.listener(0).conns <- c
	expectEvents(t, m,
		chat.PeerNamed{Name: name},
		chat.StateChanged{State: chat.StateConnected},
	)
	return c
}
