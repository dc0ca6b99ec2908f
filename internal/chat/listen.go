package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/transport"
)

// listenWorker owns one listener and keeps accepting until canceled.
type listenWorker struct {
	m        *Manager
	ln       transport.Listener
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

func (m *Manager) newListenWorker() (*listenWorker, error) {
	ln, err := m.transport.Listen(m.serviceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &listenWorker{
		m:        m,
		ln:       ln,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
		logger:   m.logger.With(zap.String("worker", "listen")),
	}, nil
}

func (w *listenWorker) run() {
	defer close(w.done)

	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("accept failed", zap.Error(&Error{Kind: AcceptError, Err: err}))
			w.ln.Close()
			w.m.listenExited(w)
			return
		}

		w.logger.Debug("accepted", zap.Stringer("peer", conn.RemotePeer()))
		if !w.m.accepted(w, conn) {
			return
		}
	}
}

func (w *listenWorker) cancel() error {
	w.cancelFn()
	return w.ln.Close()
}

func (w *listenWorker) wait() {
	<-w.done
}
