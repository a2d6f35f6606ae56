package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamHTTP is a transport that reaches a tool server over streamable HTTP:
// every engine-to-server message is an HTTP POST, and the server replies either
// with a direct JSON body or with an SSE stream carrying one or more messages.
// A background GET stream, when the server offers one, delivers
// server-initiated messages. Instances should be created using NewStreamHTTP.
type StreamHTTP struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// StreamHTTPOption configures a StreamHTTP.
type StreamHTTPOption func(*StreamHTTP)

// WithStreamHTTPClient sets a custom HTTP client.
func WithStreamHTTPClient(cli *http.Client) StreamHTTPOption {
	return func(s *StreamHTTP) {
		s.httpClient = cli
	}
}

// NewStreamHTTP creates a streamable HTTP transport for the given endpoint.
// The headers are added to every request.
func NewStreamHTTP(url string, headers map[string]string, options ...StreamHTTPOption) *StreamHTTP {
	s := &StreamHTTP{
		url:        url,
		headers:    headers,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StartSession returns a session ready for its first POST. The server's
// session id is captured from the first response and echoed on every request
// after it.
func (s *StreamHTTP) StartSession(ctx context.Context) (Session, error) {
	sess := &streamHTTPSession{
		id:         uuid.New().String(),
		url:        s.url,
		headers:    s.headers,
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage, 16),
		done:       make(chan struct{}),
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.streamCancel = cancel
	go sess.listenStream(streamCtx)

	return sess, nil
}

type streamHTTPSession struct {
	id         string
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	messages     chan JSONRPCMessage
	done         chan struct{}
	stopOnce     sync.Once
	streamCancel context.CancelFunc

	mu            sync.Mutex
	remoteSession string
	err           error
}

func (s *streamHTTPSession) ID() string {
	return s.id
}

// Send posts one message. A JSON response body is queued as an inbound
// message; an SSE response body is consumed in the background so slow streams
// do not stall the caller.
func (s *streamHTTPSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.mu.Lock()
		s.remoteSession = sid
		s.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return &TransportError{Op: "send", Err: fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, string(body))}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		go s.consumeEventStream(resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		defer resp.Body.Close()
		bs, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransportError{Op: "receive", Err: err}
		}
		if len(bs) > 0 {
			s.enqueueRaw(bs)
		}
	default:
		resp.Body.Close()
	}

	return nil
}

func (s *streamHTTPSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *streamHTTPSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamHTTPSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.streamCancel()
	})
}

// listenStream opens the long-lived GET stream for server-initiated messages.
// Servers that do not offer one answer with 405; that is not an error.
func (s *streamHTTPSession) listenStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.logger.Error("failed to create stream request", slog.String("err", err.Error()))
		return
	}
	s.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		select {
		case <-s.done:
		default:
			s.logger.Debug("server stream unavailable", slog.String("err", err.Error()))
		}
		return
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		s.logger.Debug("server does not offer a message stream", slog.Int("status", resp.StatusCode))
		return
	}

	s.consumeEventStream(resp.Body)
}

func (s *streamHTTPSession) consumeEventStream(body io.ReadCloser) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("failed to read event stream", slog.String("err", err.Error()))
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if !s.enqueueRaw([]byte(ev.Data)) {
			return
		}
	}
}

func (s *streamHTTPSession) enqueueRaw(bs []byte) bool {
	var msg JSONRPCMessage
	if err := json.Unmarshal(bs, &msg); err != nil {
		s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
		return true
	}
	select {
	case <-s.done:
		return false
	case s.messages <- msg:
		return true
	}
}

func (s *streamHTTPSession) setHeaders(req *http.Request) {
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.mu.Lock()
	if s.remoteSession != "" {
		req.Header.Set("Mcp-Session-Id", s.remoteSession)
	}
	s.mu.Unlock()
}
