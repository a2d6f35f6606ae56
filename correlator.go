package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// result is what a pending request ultimately resolves to: either the peer's
// response message or a local abort reason.
type result struct {
	msg JSONRPCMessage
	err error
}

// pendingRequest tracks one in-flight outgoing request. It is removed from the
// arena exactly once, by whichever of {response, error, cancel, deadline}
// occurs first; the remover delivers the outcome on ch (buffered, never blocks).
type pendingRequest struct {
	id     string
	method string
	ch     chan result
}

// correlator assigns correlation ids to outgoing requests, tracks pending ones,
// applies deadlines, and manages cancellation in both directions. One correlator
// is owned by each connection; all mutation funnels through its methods.
type correlator struct {
	sess         Session
	logger       *slog.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
	// inbound holds cancel functions for peer requests this engine is currently
	// servicing, keyed by the peer's correlation id.
	inbound map[string]context.CancelFunc
}

func newCorrelator(sess Session, writeTimeout time.Duration, logger *slog.Logger) *correlator {
	return &correlator{
		sess:         sess,
		logger:       logger,
		writeTimeout: writeTimeout,
		pending:      make(map[string]*pendingRequest),
		inbound:      make(map[string]context.CancelFunc),
	}
}

// take removes the pending request with the given id, if still present.
// Exactly one caller per id observes ok == true.
func (c *correlator) take(id string) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return p, ok
}

// send forwards a framed request to the peer and suspends the caller until
// response, error, deadline, or cancellation. A zero timeout means no deadline.
func (c *correlator) send(ctx context.Context, method string, params any, timeout time.Duration) (JSONRPCMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.sendRaw(ctx, method, paramsBs, timeout)
}

func (c *correlator) sendRaw(
	ctx context.Context,
	method string,
	params json.RawMessage,
	timeout time.Duration,
) (JSONRPCMessage, error) {
	id := uuid.New().String()

	req := &pendingRequest{
		id:     id,
		method: method,
		ch:     make(chan result, 1),
	}

	c.mu.Lock()
	c.pending[id] = req
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
		Params:  params,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.sess.Send(sCtx, msg); err != nil {
		if _, ok := c.take(id); !ok {
			// A concurrent abort already claimed the request; its reason wins.
			res := <-req.ch
			return JSONRPCMessage{}, res.err
		}
		return JSONRPCMessage{}, &TransportError{Op: "send", Err: err}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-req.ch:
		return res.msg, res.err
	case <-deadline:
		if _, ok := c.take(id); !ok {
			res := <-req.ch
			return res.msg, res.err
		}
		return JSONRPCMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		if _, ok := c.take(id); !ok {
			res := <-req.ch
			return res.msg, res.err
		}
		if method != methodInitialize {
			c.notifyCancelled(id, userCancelledReason)
		}
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	}
}

// cancel sends a best-effort cancellation signal to the peer and locally aborts
// the wait for the given correlation id. Cancelling an unknown or already
// completed id is a no-op. The handshake is never cancellable.
func (c *correlator) cancel(id, reason string) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && p.method == methodInitialize {
		c.mu.Unlock()
		return ErrHandshakeNotCancellable
	}
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("cancellation for unknown or completed request", slog.String("id", id))
		return nil
	}

	if reason == "" {
		reason = userCancelledReason
	}
	p.ch <- result{err: fmt.Errorf("%w: %s", ErrRequestCancelled, reason)}
	c.notifyCancelled(id, reason)
	return nil
}

// handleResponse resolves the pending request matching the response's id.
// Responses for unknown ids are ignored; they lost a race with a local abort.
func (c *correlator) handleResponse(msg JSONRPCMessage) {
	p, ok := c.take(string(msg.ID))
	if !ok {
		c.logger.Debug("response for unknown or completed request", slog.String("id", string(msg.ID)))
		return
	}
	p.ch <- result{msg: msg}
}

// abortAll fails every pending request with the given reason. Used on
// connection teardown; no timers or callbacks survive it.
func (c *correlator) abortAll(reason error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	inbound := c.inbound
	c.inbound = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- result{err: reason}
	}
	for _, cancel := range inbound {
		cancel()
	}
}

// registerInbound records the cancel function for a peer request this engine is
// servicing, so an inbound notifications/cancelled can stop the work.
func (c *correlator) registerInbound(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inbound[id] = cancel
	c.mu.Unlock()
}

// completeInbound releases the cancel registration once servicing finishes.
func (c *correlator) completeInbound(id string) {
	c.mu.Lock()
	cancel, ok := c.inbound[id]
	if ok {
		delete(c.inbound, id)
	}
	c.mu.Unlock()
	if ok {
		// Release the context without signalling cancellation semantics; the
		// work already finished.
		cancel()
	}
}

// handleCancelled processes an inbound cancellation signal from the peer.
// Unknown or already-completed ids are ignored; this is a normal race.
func (c *correlator) handleCancelled(params CancelledParams) {
	c.mu.Lock()
	cancel, ok := c.inbound[params.RequestID]
	if ok {
		delete(c.inbound, params.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("cancellation for unknown or completed request",
			slog.String("id", params.RequestID), slog.String("reason", params.Reason))
		return
	}
	cancel()
}

// pendingCount reports the number of in-flight requests. Used by List.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *correlator) notifyCancelled(id, reason string) {
	err := c.notify(context.Background(), methodNotificationsCancelled, CancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		// Absence of delivery confirmation is normal; the signal is fire-and-forget.
		c.logger.Debug("failed to send cancellation notification", slog.String("err", err.Error()))
	}
}

// notify sends a JSON-RPC notification (no response expected).
func (c *correlator) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// sendResult answers a peer request with a successful result.
func (c *correlator) sendResult(ctx context.Context, id MustString, res any) error {
	resBs, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

// sendError answers a peer request with an error.
func (c *correlator) sendError(ctx context.Context, id MustString, rpcErr JSONRPCError) error {
	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	})
}
