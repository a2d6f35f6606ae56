package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gobwas/glob"
)

// Conn is the engine for one established connection to a tool server. It owns
// the transport session, the negotiated capabilities, and the per-connection
// trackers; no component reaches into another's state directly.
type Conn struct {
	name   string
	source string

	sess     Session
	neg      *negotiator
	corr     *correlator
	progress *progressTracker
	init     *initiator
	rcv      *receiver
	router   *router
	logger   *slog.Logger

	// noTask marks methods for which task augmentation is forbidden even when
	// the peer supports tasks.
	noTask []glob.Glob

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	// onDown is invoked once when the session's message iterator exits,
	// transitioning the registry entry to disconnected asynchronously.
	onDown func(err error)
}

func newConn(
	name, source string,
	sess Session,
	info Info,
	local ClientCapabilities,
	handlers map[string]RequestHandler,
	noTask []glob.Glob,
	router *router,
	writeTimeout time.Duration,
	logger *slog.Logger,
	onDown func(err error),
) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		name:     name,
		source:   source,
		sess:     sess,
		neg:      newNegotiator(info, local),
		router:   router,
		logger:   logger,
		noTask:   noTask,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		onDown:   onDown,
	}
	c.corr = newCorrelator(sess, writeTimeout, logger)
	c.progress = newProgressTracker(logger)
	c.init = newInitiator(ctx, c.corr, c.neg, c.progress, logger)
	c.rcv = newReceiver(ctx, c.corr, handlers, logger)

	go c.listen()
	return c
}

// handshake performs capability negotiation. It must complete before any other
// operation; failures leave the connection unusable.
func (c *Conn) handshake(ctx context.Context) error {
	return c.neg.handshake(ctx, c.corr)
}

// listen is the connection's dispatch loop. Notifications are routed inline to
// their owning tracker first, then fanned out to external observers.
func (c *Conn) listen() {
	for msg := range c.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case methodPing:
			if err := c.corr.sendResult(c.ctx, msg.ID, struct{}{}); err != nil {
				c.logger.Error("failed to answer ping", slog.String("err", err.Error()))
			}
		case methodNotificationsProgress:
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
				continue
			}
			c.progress.handleProgress(params)
			c.fanOut(msg)
		case methodNotificationsCancelled:
			var params CancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			c.corr.handleCancelled(params)
			c.fanOut(msg)
		case methodNotificationsTasksStatus:
			var d TaskDescriptor
			if err := json.Unmarshal(msg.Params, &d); err != nil {
				c.logger.Error("failed to unmarshal task status params", slog.String("err", err.Error()))
				continue
			}
			c.init.handlePush(d)
			c.fanOut(msg)
		case methodNotificationsToolsListChanged,
			methodNotificationsPromptsListChanged,
			methodNotificationsResourcesListChanged,
			methodNotificationsResourcesUpdated,
			methodNotificationsMessage:
			// Routed to external observers only; the payload is not interpreted.
			c.fanOut(msg)
		case MethodTasksGet, MethodTasksResult, MethodTasksList, MethodTasksCancel:
			c.rcv.serveTaskMethod(c.ctx, c.sess.ID(), msg)
		case "":
			c.corr.handleResponse(msg)
		default:
			if msg.ID == "" {
				c.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
				continue
			}
			c.rcv.handleRequest(c.sess.ID(), msg)
		}
	}

	// loopDone must close before onDown runs: the disconnect path tears the
	// connection down, and teardown waits for this goroutine to exit.
	close(c.loopDone)

	if c.onDown != nil {
		c.onDown(c.sess.Err())
	}
}

func (c *Conn) fanOut(msg JSONRPCMessage) {
	kind, ok := methodKinds[msg.Method]
	if !ok {
		return
	}
	c.router.dispatch(Notification{
		Name:   c.name,
		Source: c.source,
		Kind:   kind,
		Method: msg.Method,
		Params: msg.Params,
	})
}

// taskForbidden reports whether the method is marked as forbidding task execution.
func (c *Conn) taskForbidden(method string) bool {
	for _, g := range c.noTask {
		if g.Match(method) {
			return true
		}
	}
	return false
}

// call issues one request on this connection, optionally augmented with
// progress reporting and task semantics.
func (c *Conn) call(ctx context.Context, method string, params any, opts CallOptions) (CallResult, error) {
	var meta ParamsMeta

	if opts.Progress != nil {
		meta.ProgressToken = c.progress.issueToken(method, opts.Progress)
	}

	augment := opts.Task && c.neg.supportsTasks() && !c.taskForbidden(method)
	if opts.Task && !augment && opts.RequireTask {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, &CapabilityError{Capability: "tasks"}
	}
	if augment {
		meta.Task = &TaskMeta{TTL: opts.TaskTTL.Milliseconds()}
	}

	paramsBs, err := mergeMeta(params, meta)
	if err != nil {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, err
	}

	res, err := c.corr.sendRaw(ctx, method, paramsBs, opts.Timeout)
	if err != nil {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, err
	}
	if res.Error != nil {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, res.Error
	}

	if !augment {
		// Plain round trip: the owning operation is over, release its token.
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{Result: res.Result}, nil
	}

	var created CreateTaskResult
	if err := unmarshalResult(res.Result, method, &created); err != nil {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, err
	}
	if created.Task.TaskID == "" {
		if meta.ProgressToken != "" {
			c.progress.release(meta.ProgressToken)
		}
		return CallResult{}, &ProtocolError{Method: method, Reason: "augmented response carries no task"}
	}

	// The token now belongs to the task and stays valid for its whole lifetime;
	// the initiator releases it on the terminal transition.
	handle := c.init.register(created.Task, opts.OnTaskStatus, meta.ProgressToken)
	return CallResult{Task: handle}, nil
}

// teardown releases every resource owned by this connection: pending requests
// are aborted, outstanding tasks failed, progress tokens released, and the
// transport session stopped. No timers or callbacks survive it.
func (c *Conn) teardown() {
	c.cancel()
	c.corr.abortAll(ErrConnectionClosed)
	c.init.failAll(ErrConnectionClosed.Error())
	c.rcv.failAll(ErrConnectionClosed.Error())
	c.progress.releaseAll()
	c.sess.Stop()
	<-c.loopDone
}

// mergeMeta marshals params and, when meta carries anything, splices it into
// the object's _meta field. Params must encode to a JSON object (or be nil).
func mergeMeta(params any, meta ParamsMeta) (json.RawMessage, error) {
	var base map[string]json.RawMessage

	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		if len(bs) > 0 && !bytes.Equal(bs, []byte("null")) {
			if err := json.Unmarshal(bs, &base); err != nil {
				return nil, fmt.Errorf("params must encode to a JSON object: %w", err)
			}
		}
	}

	if meta.ProgressToken == "" && meta.Task == nil {
		if base == nil {
			return nil, nil
		}
		return json.Marshal(base)
	}

	if base == nil {
		base = make(map[string]json.RawMessage)
	}
	metaBs, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}
	base["_meta"] = metaBs
	return json.Marshal(base)
}
