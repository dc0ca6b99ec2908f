package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
)

// ReadBufferSize is the size of each read from the connection.
const ReadBufferSize = 1024

// connectedWorker owns one promoted connection.
type connectedWorker struct {
	m        *Manager
	conn     transport.Conn
	peer     transport.Peer
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
	writeMu  sync.Mutex
	logger   *zap.Logger
}

func (m *Manager) newConnectedWorker(conn transport.Conn, peer transport.Peer) *connectedWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &connectedWorker{
		m:        m,
		conn:     conn,
		peer:     peer,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
		logger:   m.logger.With(zap.String("worker", "connected"), zap.Stringer("peer", peer)),
	}
}

// run reads until the first error. Retrying is the manager's job.
func (w *connectedWorker) run() {
	defer close(w.done)

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			w.m.inbound(w, data)
		}
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Info("read failed", zap.Error(&Error{Kind: ConnectionLost, Peer: w.peer, Err: err}))
			}
			w.m.connectionLost(w)
			return
		}
	}
}

// write sends data synchronously. A failed write is logged and the
// connection is kept; only read failures end it.
func (w *connectedWorker) write(data []byte) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.Write(data); err != nil {
		w.logger.Warn("write failed", zap.Error(&Error{Kind: WriteFailed, Peer: w.peer, Err: err}))
		return
	}

	ack := make([]byte, len(data))
	copy(ack, data)
	w.m.outbound(w, ack)
}

func (w *connectedWorker) cancel() error {
	w.cancelFn()
	return w.conn.Close()
}

func (w *connectedWorker) wait() {
	<-w.done
}
