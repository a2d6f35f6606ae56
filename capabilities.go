package toolhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// negotiator computes the capability set this engine advertises and stores the
// peer's declared capability set once the initialize exchange succeeds. It is
// owned by a single connection.
type negotiator struct {
	info  Info
	local ClientCapabilities

	mu         sync.RWMutex
	peer       ServerCapabilities
	peerInfo   Info
	negotiated bool
}

func newNegotiator(info Info, local ClientCapabilities) *negotiator {
	return &negotiator{info: info, local: local}
}

// handshake performs the capability exchange. It must complete before any other
// operation on the connection, and is never cancellable through the correlator.
func (n *negotiator) handshake(ctx context.Context, corr *correlator) error {
	res, err := corr.send(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    n.local,
		ClientInfo:      n.info,
	}, 0)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize: %w", res.Error)
	}

	var result initializeResult
	if err := unmarshalResult(res.Result, methodInitialize, &result); err != nil {
		return err
	}

	if result.ProtocolVersion != protocolVersion {
		return &ProtocolError{
			Method: methodInitialize,
			Reason: fmt.Sprintf("%s: %s != %s", errMsgUnsupportedProtocolVersion, result.ProtocolVersion, protocolVersion),
		}
	}

	n.mu.Lock()
	n.peer = result.Capabilities
	n.peerInfo = result.ServerInfo
	n.negotiated = true
	n.mu.Unlock()

	return corr.notify(ctx, methodNotificationsInitialized, nil)
}

// peerCaps returns the peer's declared capability set. ok is false until the
// handshake has completed.
func (n *negotiator) peerCaps() (ServerCapabilities, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peer, n.negotiated
}

func (n *negotiator) peerInfoValue() Info {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peerInfo
}

// supportsTasks reports whether the peer declared task support.
func (n *negotiator) supportsTasks() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.negotiated && n.peer.Tasks != nil
}

func unmarshalResult(raw []byte, method string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Method: method, Reason: fmt.Sprintf("malformed result: %v", err)}
	}
	return nil
}
