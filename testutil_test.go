package toolhub

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// pipeSession is an in-memory Session half. Two halves created by
// newSessionPair are cross-wired: what one sends, the other receives.
type pipeSession struct {
	id     string
	sendCh chan<- JSONRPCMessage
	recvCh <-chan JSONRPCMessage

	closed   chan struct{}
	stopOnce *sync.Once

	mu  sync.Mutex
	err error
}

func newSessionPair() (*pipeSession, *pipeSession) {
	aToB := make(chan JSONRPCMessage, 64)
	bToA := make(chan JSONRPCMessage, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeSession{
		id:       uuid.New().String(),
		sendCh:   aToB,
		recvCh:   bToA,
		closed:   closed,
		stopOnce: once,
	}
	b := &pipeSession{
		id:       uuid.New().String(),
		sendCh:   bToA,
		recvCh:   aToB,
		closed:   closed,
		stopOnce: once,
	}
	return a, b
}

func (s *pipeSession) ID() string { return s.id }

func (s *pipeSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.closed:
		return &TransportError{Op: "send", Err: ErrConnectionClosed}
	case <-ctx.Done():
		return ctx.Err()
	case s.sendCh <- msg:
		return nil
	}
}

func (s *pipeSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.closed:
				return
			case msg := <-s.recvCh:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *pipeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pipeSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *pipeSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
	})
}

// fakeServer drives the far side of a session pair: it answers the handshake
// and dispatches everything else to per-method handlers.
type fakeServer struct {
	sess Session
	caps ServerCapabilities

	// initGate, when set, withholds the initialize reply until the channel is
	// closed, keeping the client parked mid-handshake.
	initGate chan struct{}

	mu       sync.Mutex
	received []JSONRPCMessage
	handlers map[string]func(srv *fakeServer, msg JSONRPCMessage)

	stopped chan struct{}
}

func newFakeServer(sess Session, caps ServerCapabilities) *fakeServer {
	return &fakeServer{
		sess:     sess,
		caps:     caps,
		handlers: make(map[string]func(srv *fakeServer, msg JSONRPCMessage)),
		stopped:  make(chan struct{}),
	}
}

func (s *fakeServer) handle(method string, fn func(srv *fakeServer, msg JSONRPCMessage)) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

func (s *fakeServer) run() {
	defer close(s.stopped)

	for msg := range s.sess.Messages() {
		s.mu.Lock()
		s.received = append(s.received, msg)
		handler := s.handlers[msg.Method]
		s.mu.Unlock()

		switch {
		case msg.Method == methodInitialize:
			if s.initGate != nil {
				<-s.initGate
			}
			s.reply(msg.ID, initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities:    s.caps,
				ServerInfo:      Info{Name: "fake-server", Version: "1.0"},
			})
		case msg.Method == methodNotificationsInitialized:
			// handshake complete
		case handler != nil:
			handler(s, msg)
		}
	}
}

func (s *fakeServer) reply(id MustString, result any) {
	bs, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	_ = s.sess.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	})
}

func (s *fakeServer) replyError(id MustString, code int, message string) {
	_ = s.sess.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

func (s *fakeServer) notify(method string, params any) {
	bs, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	_ = s.sess.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  bs,
	})
}

// messagesFor returns the recorded requests and notifications with the given
// method name.
func (s *fakeServer) messagesFor(method string) []JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JSONRPCMessage
	for _, msg := range s.received {
		if msg.Method == method {
			out = append(out, msg)
		}
	}
	return out
}

// pipeTransport hands out the client half of a fresh session pair and runs the
// given server on the far half.
type pipeTransport struct {
	caps  ServerCapabilities
	setup func(srv *fakeServer)

	mu      sync.Mutex
	servers []*fakeServer
}

func (t *pipeTransport) StartSession(context.Context) (Session, error) {
	client, server := newSessionPair()
	srv := newFakeServer(server, t.caps)
	if t.setup != nil {
		t.setup(srv)
	}
	t.mu.Lock()
	t.servers = append(t.servers, srv)
	t.mu.Unlock()
	go srv.run()
	return client, nil
}

func (t *pipeTransport) lastServer() *fakeServer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.servers) == 0 {
		return nil
	}
	return t.servers[len(t.servers)-1]
}

func (t *pipeTransport) dialer() Dialer {
	return func(context.Context, TransportSpec) (Transport, error) {
		return t, nil
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
