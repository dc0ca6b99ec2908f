package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
)

// dialWorker owns one outbound attempt. Its resource is the in-flight
// dial, closed by canceling the dial context.
type dialWorker struct {
	m        *Manager
	peer     transport.Peer
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

func (m *Manager) newDialWorker(peer transport.Peer) *dialWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialWorker{
		m:        m,
		peer:     peer,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
		logger:   m.logger.With(zap.String("worker", "dial"), zap.Stringer("peer", peer)),
	}
}

func (w *dialWorker) run() {
	defer close(w.done)

	// Discovery and dialing share the adapter.
	if err := w.m.adapter.CancelDiscovery(); err != nil {
		w.logger.Warn("failed to cancel discovery", zap.Error(err))
	}

	conn, err := w.m.transport.Dial(w.ctx, w.peer, w.m.serviceID)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Warn("dial failed", zap.Error(&Error{Kind: DialFailed, Peer: w.peer, Err: err}))
		}
		w.m.dialFailed(w)
		return
	}
	if w.ctx.Err() != nil {
		conn.Close()
		w.m.dialFailed(w)
		return
	}

	w.m.dialed(w, conn)
}

func (w *dialWorker) cancel() error {
	w.cancelFn()
	return nil
}

func (w *dialWorker) wait() {
	<-w.done
}
