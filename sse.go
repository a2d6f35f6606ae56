package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient is a transport that reaches a tool server over Server-Sent Events:
// server-to-engine messages stream over the SSE connection, engine-to-server
// messages go through HTTP POST to the endpoint the server announces in its
// first event. Instances should be created using NewSSEClient.
type SSEClient struct {
	connectURL string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEHTTPClient sets a custom HTTP client.
func WithSSEHTTPClient(cli *http.Client) SSEClientOption {
	return func(s *SSEClient) {
		s.httpClient = cli
	}
}

// WithSSEMaxPayloadSize caps the size of a single event payload. Oversized
// payloads terminate the session.
func WithSSEMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// NewSSEClient creates an SSE transport connecting to connectURL. The headers
// are added to every request, the connect stream included.
func NewSSEClient(connectURL string, headers map[string]string, options ...SSEClientOption) *SSEClient {
	s := &SSEClient{
		connectURL: connectURL,
		headers:    headers,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// StartSession opens the SSE stream and waits for the server to announce its
// message endpoint. The session is established only once the endpoint arrives.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	sess := &sseSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		headers:    s.headers,
		logger:     s.logger,
		body:       resp.Body,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.readEvents(s.maxPayloadSize, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, &TransportError{Op: "connect", Err: err}
		}
	}

	return sess, nil
}

type sseSession struct {
	id         string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger
	body       io.ReadCloser

	messages chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	messageURL string
	err        error
}

func (s *sseSession) ID() string {
	return s.id
}

// Send posts one message to the endpoint the server announced.
func (s *sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()
	if messageURL == "" {
		return &TransportError{Op: "send", Err: errors.New("no message endpoint")}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{Op: "send", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	return nil
}

func (s *sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

// readEvents consumes the SSE stream. The first event must be the endpoint
// announcement; everything after it is a JSON-RPC message.
func (s *sseSession) readEvents(maxPayloadSize int, ready chan<- error) {
	defer close(s.messages)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{MaxEventSize: maxPayloadSize}
	}

	endpointSeen := false

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(&TransportError{Op: "receive", Err: err})
			}
			if !endpointSeen {
				ready <- err
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.mu.Lock()
			s.messageURL = u.String()
			s.mu.Unlock()
			if !endpointSeen {
				endpointSeen = true
				ready <- nil
			}
		case "message":
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case <-s.done:
				return
			case s.messages <- msg:
			}
		default:
			s.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (s *sseSession) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
