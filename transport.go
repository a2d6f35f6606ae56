package toolhub

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
)

// Transport provides the communication layer used to reach a tool server.
// Implementations are constructed by the host and injected into the Hub;
// this package ships stdio, SSE, and streamable HTTP implementations.
type Transport interface {
	// StartSession dials the peer and returns the established session.
	// Operations are canceled when the context is canceled, and appropriate
	// errors are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents one established bidirectional channel to a peer.
// The engine owns the session for the lifetime of its connection entry and is
// the only caller of Stop.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions.
	ID() string

	// Send transmits a message to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the peer,
	// in transport arrival order. The iterator exits when the session closes,
	// for any reason; that exit is the session's close event.
	Messages() iter.Seq[JSONRPCMessage]

	// Err reports the error that terminated the session, if any. It is only
	// meaningful after the Messages iterator has exited, and returns nil for a
	// clean close.
	Err() error

	// Stop releases the session. It must be safe to call after the session has
	// already ended on its own.
	Stop()
}

// TransportSpec describes how to reach a tool server. The host maps specs to
// Transport values through the Hub's dialer; NewDialer covers the kinds shipped
// with this package.
type TransportSpec struct {
	// Kind selects the transport implementation: "stdio", "sse" or "streamhttp".
	Kind string `json:"kind"`

	// Command and Args launch a subprocess speaking newline-delimited JSON-RPC
	// on its stdio. Used by the stdio kind.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// URL is the endpoint of the sse and streamhttp kinds.
	URL string `json:"url,omitempty"`

	// Headers are added to every HTTP request of the sse and streamhttp kinds.
	Headers map[string]string `json:"headers,omitempty"`
}

// Transport kinds understood by NewDialer.
const (
	TransportStdio      = "stdio"
	TransportSSE        = "sse"
	TransportStreamHTTP = "streamhttp"
)

// Validate rejects specs that no dialer could act on.
func (s TransportSpec) Validate() error {
	switch s.Kind {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportSSE, TransportStreamHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires a url", s.Kind)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", s.Kind)
	}
	return nil
}

// Equal reports whether two specs describe the same transport identically.
func (s TransportSpec) Equal(other TransportSpec) bool {
	return s.Kind == other.Kind &&
		s.Command == other.Command &&
		slices.Equal(s.Args, other.Args) &&
		slices.Equal(s.Env, other.Env) &&
		s.URL == other.URL &&
		maps.Equal(s.Headers, other.Headers)
}

// Dialer turns a TransportSpec into a Transport. The Hub never constructs
// transports itself; the host injects a Dialer at construction time.
type Dialer func(ctx context.Context, spec TransportSpec) (Transport, error)

// NewDialer returns a Dialer covering the transports shipped with this
// package. Hosts with custom transports wrap or replace it.
func NewDialer() Dialer {
	return func(_ context.Context, spec TransportSpec) (Transport, error) {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		switch spec.Kind {
		case TransportStdio:
			return NewStdIO(spec.Command, spec.Args, spec.Env), nil
		case TransportSSE:
			return NewSSEClient(spec.URL, spec.Headers), nil
		default:
			return NewStreamHTTP(spec.URL, spec.Headers), nil
		}
	}
}
