// Package chat implements the connection lifecycle of a point-to-point
// chat link: listening, dialing, promoting an established socket into an
// active message stream, and recovering to a receptive state after any
// failure.
package chat

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
)

// DefaultServiceID is the serial port profile UUID both sides agree on.
var DefaultServiceID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithAdapter sets the adapter whose discovery is paused before dialing.
func WithAdapter(a transport.Adapter) Option {
	return func(m *Manager) { m.adapter = a }
}

// WithServiceID overrides DefaultServiceID.
func WithServiceID(id uuid.UUID) Option {
	return func(m *Manager) { m.serviceID = id }
}

// link is everything guarded by Manager.mu.
type link struct {
	state     State
	listen    *listenWorker
	dial      *dialWorker
	connected *connectedWorker
}

// Manager owns the link state machine. All transitions happen under one
// mutex; blocking I/O happens in the worker goroutines.
type Manager struct {
	transport transport.Transport
	adapter   transport.Adapter
	serviceID uuid.UUID
	logger    *zap.Logger
	events    *eventQueue
	wg        sync.WaitGroup

	mu   sync.Mutex
	link link
}

// New creates an idle Manager over t.
func New(t transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		adapter:   transport.NopAdapter{},
		serviceID: DefaultServiceID,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = newEventQueue()
	return m
}

// Events returns the event stream. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events.out
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link.state
}

// Start drops any dial attempt or connection and listens for inbound
// peers. It is safe to call in any state.
func (m *Manager) Start() {
	var r retired
	m.mu.Lock()
	m.listenLocked(&r)
	m.mu.Unlock()
	m.reap(&r)
}

// Stop cancels every worker and goes idle.
func (m *Manager) Stop() {
	_ = m.stop()
}

// stop is Stop returning the errors from closing the retired workers.
func (m *Manager) stop() error {
	var r retired
	m.mu.Lock()
	m.cancelDialLocked(&r)
	m.cancelConnectedLocked(&r)
	if m.link.listen != nil {
		r.add(m.link.listen)
		m.link.listen = nil
	}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.reap(&r)
	return r.err
}

// Connect dials peer, superseding any attempt in flight and dropping the
// current connection. If the transport is unavailable a Notice is emitted
// and nothing else changes.
func (m *Manager) Connect(peer transport.Peer) {
	var r retired
	m.mu.Lock()
	if err := m.transport.Available(); err != nil {
		m.mu.Unlock()
		m.logger.Warn("connect skipped",
			zap.Error(&Error{Kind: TransportUnavailable, Peer: peer, Err: err}))
		m.events.push(Notice{Text: NoticeUnavailable})
		return
	}

	m.cancelDialLocked(&r)
	m.cancelConnectedLocked(&r)

	w := m.newDialWorker(peer)
	m.link.dial = w
	m.spawn(w.run)
	m.setStateLocked(StateDialing)
	m.mu.Unlock()
	m.reap(&r)
}

// Send writes data to the connected peer. It is a no-op unless the link
// is connected.
func (m *Manager) Send(data []byte) {
	m.mu.Lock()
	w := m.link.connected
	if m.link.state != StateConnected || w == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	w.write(data)
}

// Close stops the manager, waits for all workers and closes the event
// stream. It returns the errors from closing the listener and connection.
func (m *Manager) Close() error {
	err := m.stop()
	m.wg.Wait()
	m.events.close()
	return err
}

// accepted is called by the listen worker for each inbound connection.
// It returns false once w has been superseded.
func (m *Manager) accepted(w *listenWorker, conn transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link.listen != w {
		conn.Close()
		return false
	}

	switch m.link.state {
	case StateConnected, StateIdle:
		w.logger.Info("closing stale inbound connection",
			zap.Stringer("peer", conn.RemotePeer()),
			zap.Stringer("state", m.link.state))
		conn.Close()
		return true
	}

	m.establishLocked(conn, conn.RemotePeer())
	return true
}

// listenExited forgets a listen worker that stopped on its own, so the
// next Start opens a fresh listener.
func (m *Manager) listenExited(w *listenWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link.listen == w {
		m.link.listen = nil
	}
}

// dialed promotes the connection produced by the current dial worker.
func (m *Manager) dialed(w *dialWorker, conn transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link.dial != w {
		w.logger.Debug("dropping superseded connection")
		conn.Close()
		return
	}
	m.link.dial = nil

	peer := w.peer
	if peer.Name == "" {
		peer.Name = conn.RemotePeer().Name
	}
	m.establishLocked(conn, peer)
}

// dialFailed reports a failed attempt and returns to listening. A
// superseded attempt fails silently.
func (m *Manager) dialFailed(w *dialWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link.dial != w {
		return
	}
	m.link.dial = nil

	m.events.push(Notice{Text: NoticeDialFailed})
	var r retired
	m.listenLocked(&r)
	r.log(m.logger)
}

// connectionLost reports a broken link and returns to listening.
func (m *Manager) connectionLost(w *connectedWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link.connected != w {
		return
	}
	m.link.connected = nil

	var r retired
	r.add(w)
	m.events.push(Notice{Text: NoticeConnectionLost})
	m.listenLocked(&r)
	r.log(m.logger)
}

func (m *Manager) inbound(w *connectedWorker, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link.connected == w {
		m.events.push(InboundBytes{Data: data, Length: len(data)})
	}
}

func (m *Manager) outbound(w *connectedWorker, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link.connected == w {
		m.events.push(OutboundBytesAck{Data: data})
	}
}

// establishLocked replaces any dial attempt and connection with a new
// connected worker around conn. Workers retired here are not joined:
// the caller may be one of them.
func (m *Manager) establishLocked(conn transport.Conn, peer transport.Peer) {
	var r retired
	m.cancelDialLocked(&r)
	m.cancelConnectedLocked(&r)
	r.log(m.logger)

	w := m.newConnectedWorker(conn, peer)
	m.link.connected = w
	m.spawn(w.run)

	m.logger.Info("connected", zap.Stringer("peer", peer))
	m.events.push(PeerNamed{Name: peer.Name})
	m.setStateLocked(StateConnected)
}

func (m *Manager) listenLocked(r *retired) {
	m.cancelDialLocked(r)
	m.cancelConnectedLocked(r)

	if m.link.listen == nil {
		w, err := m.newListenWorker()
		if err != nil {
			m.logger.Error("listen failed", zap.Error(&Error{Kind: AcceptError, Err: err}))
			m.events.push(Notice{Text: NoticeListenFailed})
		} else {
			m.link.listen = w
			m.spawn(w.run)
		}
	}

	m.setStateLocked(StateListening)
}

func (m *Manager) cancelDialLocked(r *retired) {
	if m.link.dial != nil {
		r.add(m.link.dial)
		m.link.dial = nil
	}
}

func (m *Manager) cancelConnectedLocked(r *retired) {
	if m.link.connected != nil {
		r.add(m.link.connected)
		m.link.connected = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.link.state == s {
		return
	}
	m.logger.Debug("state changed",
		zap.Stringer("from", m.link.state),
		zap.Stringer("to", s))
	m.link.state = s
	m.events.push(StateChanged{State: s})
}

func (m *Manager) spawn(run func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
	}()
}

// reap logs close errors and joins the retired workers. It must be called
// without m.mu held.
func (m *Manager) reap(r *retired) {
	r.log(m.logger)
	for _, w := range r.workers {
		w.wait()
	}
}

// worker is a cancelable background task around one closable resource.
type worker interface {
	// cancel closes the resource, unblocking the worker's pending call.
	cancel() error
	wait()
}

// retired collects workers canceled during one transition.
type retired struct {
	workers []worker
	err     error
}

func (r *retired) add(w worker) {
	r.err = multierr.Append(r.err, w.cancel())
	r.workers = append(r.workers, w)
}

func (r *retired) log(l *zap.Logger) {
	if r.err != nil {
		l.Debug("closing retired workers", zap.Errors("errors", multierr.Errors(r.err)))
	}
}
