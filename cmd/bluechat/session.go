package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/omochice/bluechat/internal/chat"
	"github.com/omochice/bluechat/internal/transport"
)

const helpText = `Commands:
  /connect <addr>  connect to a listening peer
  /start           drop the link and listen
  /stop            drop the link and go idle
  /state           print the link state
  /quit            exit
Anything else is sent to the connected peer.`

// session drives a Manager from line input and renders its events.
type session struct {
	m    *chat.Manager
	done chan struct{}

	mu   sync.Mutex
	out  io.Writer
	peer string
}

func newSession(m *chat.Manager, out io.Writer) *session {
	return &session{m: m, out: out, done: make(chan struct{})}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// printEvents renders events until the manager is closed.
func (s *session) printEvents() {
	defer close(s.done)
	for e := range s.m.Events() {
		if line := s.format(e); line != "" {
			s.printf("%s", line)
		}
	}
}

func (s *session) format(e chat.Event) string {
	switch e := e.(type) {
	case chat.StateChanged:
		return fmt.Sprintf("*** %s ***", e.State)
	case chat.PeerNamed:
		s.mu.Lock()
		s.peer = e.Name
		s.mu.Unlock()
		return fmt.Sprintf("*** connected to %s ***", e.Name)
	case chat.InboundBytes:
		s.mu.Lock()
		peer := s.peer
		s.mu.Unlock()
		return fmt.Sprintf("[%s]: %s", peer, e.Data[:e.Length])
	case chat.OutboundBytesAck:
		return fmt.Sprintf("[me]: %s", e.Data)
	case chat.Notice:
		return fmt.Sprintf("!!! %s", e.Text)
	default:
		return ""
	}
}

// run reads commands from in until /quit, end of input, or ctx is done.
func (s *session) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	s.printf("Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line := <-lines:
			if s.handle(strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether to quit.
func (s *session) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if s.m.State() != chat.StateConnected {
			s.printf("not connected")
			return false
		}
		s.m.Send([]byte(line))
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/connect":
		if arg == "" {
			s.printf("usage: /connect <addr>")
			return false
		}
		s.m.Connect(transport.Peer{Addr: arg})
	case "/start":
		s.m.Start()
	case "/stop":
		s.m.Stop()
	case "/state":
		s.printf("%s", s.m.State())
	case "/help":
		s.printf("%s", helpText)
	default:
		s.printf("unknown command %s", cmd)
	}
	return false
}
