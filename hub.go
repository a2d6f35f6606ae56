package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a registry entry.
type Status string

// Connection lifecycle states.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	defaultWriteTimeout  = 30 * time.Second
	defaultRestartSettle = 200 * time.Millisecond
)

// connState is the discriminated state of a registry entry. Connected and
// disconnected entries carry different valid fields; matching on the concrete
// type prevents touching a connection that is not there.
type connState interface {
	connStatus() Status
}

type stateConnecting struct{}

type stateConnected struct {
	conn *Conn
}

type stateDisconnected struct {
	err error
	// placeholder marks entries kept listable without an active transport,
	// such as disabled connections.
	placeholder bool
}

func (stateConnecting) connStatus() Status   { return StatusConnecting }
func (stateConnected) connStatus() Status    { return StatusConnected }
func (stateDisconnected) connStatus() Status { return StatusDisconnected }

type connKey struct {
	name   string
	source string
}

// entry is one registry slot. gen is the value of the hub's per-key generation
// counter at insert time; it never repeats for a key, so events captured
// against an earlier occupant of the slot cannot clobber a newer connection.
type entry struct {
	spec  ConnectionSpec
	state connState
	hist  *history
	gen   uint64
}

// Interactor is the host-side collaborator that answers approval and
// elicitation prompts. The Hub holds a non-owning reference: the accessor
// returns nothing once the host clears it, and every call site treats
// "unavailable" as a normal, handled case.
type Interactor interface {
	// Decide resolves one prompt. Returning an error wrapping ErrTaskDeclined
	// marks the underlying operation declined rather than failed.
	Decide(ctx context.Context, method string, prompt json.RawMessage) (json.RawMessage, error)
}

// CallOptions augment a single call.
type CallOptions struct {
	// Timeout bounds this request's round trip. It is independent of a task's
	// overall polling timeout and of the peer-declared poll interval.
	Timeout time.Duration

	// Progress opts the call into progress reporting; the observer receives
	// every raw update for the issued token.
	Progress ProgressObserver

	// Task opts the call into task semantics when the peer supports them.
	// Without peer support the call executes as an ordinary synchronous call,
	// unless RequireTask is set.
	Task bool

	// RequireTask makes the call fail fast with a CapabilityError instead of
	// falling back to a synchronous call.
	RequireTask bool

	// TaskTTL is the requested task record lifetime.
	TaskTTL time.Duration

	// OnTaskStatus observes every transition of the created task, including
	// input_required.
	OnTaskStatus TaskStatusObserver
}

// CallResult is the outcome of a call: a plain payload, or a handle to the
// created task when the call was augmented.
type CallResult struct {
	Result json.RawMessage
	Task   *TaskHandle
}

// ConnectionInfo is the listable view of one registry entry.
type ConnectionInfo struct {
	Name     string
	Source   string
	Status   Status
	Disabled bool

	// PeerInfo and Capabilities are only populated for connected entries.
	PeerInfo     Info
	Capabilities ServerCapabilities

	// Pending is the number of in-flight requests on the connection.
	Pending int

	History []HistoryEntry
}

// Hub is the connection registry: the engine's top-level component. It owns one
// transport session, the negotiated capabilities, and the per-connection
// trackers for each named connection, and exposes the engine's public surface.
type Hub struct {
	info          Info
	dialer        Dialer
	router        *router
	logger        *slog.Logger
	handlers      map[string]RequestHandler
	writeTimeout  time.Duration
	restartSettle time.Duration

	mu       sync.Mutex
	conns    map[connKey]*entry
	gens     map[connKey]uint64
	disabled bool

	interactorMu sync.RWMutex
	interactor   Interactor
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithRequestHandler registers a handler for a method remote peers may call
// into this engine, such as MethodElicitationCreate. Registered handlers are
// what the engine advertises capabilities for.
func WithRequestHandler(method string, handler RequestHandler) Option {
	return func(h *Hub) {
		h.handlers[method] = handler
	}
}

// WithInteractor sets the initial host collaborator.
func WithInteractor(i Interactor) Option {
	return func(h *Hub) {
		h.interactor = i
	}
}

// WithWriteTimeout sets the transport write timeout for all connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		h.writeTimeout = timeout
	}
}

// WithRestartSettle sets the delay between the delete and connect halves of
// Restart, so external observers can distinguish connecting from connected.
func WithRestartSettle(d time.Duration) Option {
	return func(h *Hub) {
		h.restartSettle = d
	}
}

// NewHub creates the engine. The dialer is how the host injects transport
// construction; NewDialer covers the transports shipped with this package.
func NewHub(info Info, dialer Dialer, options ...Option) *Hub {
	h := &Hub{
		info:     info,
		dialer:   dialer,
		logger:   slog.Default(),
		handlers: make(map[string]RequestHandler),
		conns:    make(map[connKey]*entry),
		gens:     make(map[connKey]uint64),
	}
	for _, opt := range options {
		opt(h)
	}

	if h.writeTimeout == 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.restartSettle == 0 {
		h.restartSettle = defaultRestartSettle
	}
	h.router = newRouter(h.logger)

	return h
}

// localCapabilities computes the capability set advertised during handshakes
// from the hooks the host registered.
func (h *Hub) localCapabilities() ClientCapabilities {
	var caps ClientCapabilities
	if len(h.handlers) > 0 {
		caps.Tasks = &TasksCapability{ListChanged: true}
	}
	if _, ok := h.handlers[MethodElicitationCreate]; ok {
		caps.Elicitation = &ElicitationCapability{}
	}
	if _, ok := h.handlers[MethodSamplingCreateMessage]; ok {
		caps.Sampling = &SamplingCapability{}
	}
	return caps
}

// SetInteractor replaces the host collaborator. Passing nil clears it.
func (h *Hub) SetInteractor(i Interactor) {
	h.interactorMu.Lock()
	h.interactor = i
	h.interactorMu.Unlock()
}

// Interactor returns the last-known host collaborator. ok is false once the
// host is gone; callers must treat that as a normal case.
func (h *Hub) Interactor() (Interactor, bool) {
	h.interactorMu.RLock()
	defer h.interactorMu.RUnlock()
	return h.interactor, h.interactor != nil
}

// Subscribe registers an external observer for one notification kind across
// all connections.
func (h *Hub) Subscribe(kind NotificationKind, observer NotificationObserver) {
	h.router.subscribe(kind, observer)
}

// Connect establishes the named connection. It is idempotent with respect to
// (name, source): any existing connection under that key is deleted first. On
// any failure during transport acquisition or handshake the connection is
// recorded as disconnected with the error in its history, and the transport
// is released.
func (h *Hub) Connect(ctx context.Context, spec ConnectionSpec) error {
	key := connKey{name: spec.Name, source: spec.Source}

	h.Delete(spec.Name, spec.Source)

	h.mu.Lock()
	globallyDisabled := h.disabled
	h.gens[key]++
	e := &entry{spec: spec, hist: &history{}, gen: h.gens[key]}
	h.conns[key] = e

	if globallyDisabled || !spec.IsEnabled() {
		// Disabled connections stay listable as placeholder disconnected entries.
		e.state = stateDisconnected{placeholder: true}
		e.hist.append(HistoryInfo, "connection disabled")
		h.mu.Unlock()
		return nil
	}

	e.state = stateConnecting{}
	gen := e.gen
	h.mu.Unlock()

	noTask, err := compileMethodPatterns(spec.NoTaskMethods)
	if err != nil {
		return h.connectFailed(key, gen, fmt.Errorf("invalid noTaskMethods: %w", err))
	}

	transport, err := h.dialer(ctx, spec.Transport)
	if err != nil {
		return h.connectFailed(key, gen, &TransportError{Op: "dial", Err: err})
	}

	sess, err := transport.StartSession(ctx)
	if err != nil {
		return h.connectFailed(key, gen, &TransportError{Op: "connect", Err: err})
	}

	conn := newConn(
		spec.Name, spec.Source,
		sess,
		h.info,
		h.localCapabilities(),
		h.handlers,
		noTask,
		h.router,
		h.writeTimeout,
		h.logger.With(slog.String("connection", spec.Name)),
		func(sessErr error) { h.markDown(key, gen, sessErr) },
	)

	if err := conn.handshake(ctx); err != nil {
		// Every exit path releases the transport, including mid-handshake failure.
		conn.teardown()
		return h.connectFailed(key, gen, err)
	}

	h.mu.Lock()
	if e, ok := h.conns[key]; ok && e.gen == gen {
		e.state = stateConnected{conn: conn}
		e.hist.append(HistoryInfo, "connected")
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// The entry was deleted or replaced while we were connecting; release the
	// transport rather than leaving it open without a registry slot.
	conn.teardown()
	return fmt.Errorf("%w: %s", ErrConnectionClosed, spec.Name)
}

func (h *Hub) connectFailed(key connKey, gen uint64, err error) error {
	h.mu.Lock()
	if e, ok := h.conns[key]; ok && e.gen == gen {
		e.state = stateDisconnected{err: err}
		e.hist.append(HistoryError, err.Error())
	}
	h.mu.Unlock()

	h.logger.Error("connect failed",
		slog.String("name", key.name), slog.String("source", key.source),
		slog.String("err", err.Error()))
	return err
}

// markDown transitions an entry to disconnected when its transport reports an
// error or close, independent of any caller-initiated operation. Stale events
// from superseded connections are ignored.
func (h *Hub) markDown(key connKey, gen uint64, sessErr error) {
	h.mu.Lock()
	e, ok := h.conns[key]
	if !ok || e.gen != gen {
		h.mu.Unlock()
		return
	}
	st, ok := e.state.(stateConnected)
	if !ok {
		h.mu.Unlock()
		return
	}
	e.state = stateDisconnected{err: sessErr}
	if sessErr != nil {
		e.hist.append(HistoryError, sessErr.Error())
	} else {
		e.hist.append(HistoryWarn, "connection closed by peer")
	}
	h.mu.Unlock()

	st.conn.teardown()
}

// Delete removes the named connection, closing its transport and purging all
// per-connection trackers. It is safe to call multiple times.
func (h *Hub) Delete(name, source string) {
	key := connKey{name: name, source: source}

	h.mu.Lock()
	e, ok := h.conns[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, key)
	h.gens[key]++
	state := e.state
	h.mu.Unlock()

	if st, ok := state.(stateConnected); ok {
		st.conn.teardown()
	}
}

// Restart deletes and reconnects the named connection, with a settle delay so
// external observers can distinguish connecting from connected states.
func (h *Hub) Restart(ctx context.Context, name, source string) error {
	key := connKey{name: name, source: source}

	h.mu.Lock()
	e, ok := h.conns[key]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown connection: %s", name)
	}
	spec := e.spec
	h.mu.Unlock()

	h.Delete(name, source)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.restartSettle):
	}

	return h.Connect(ctx, spec)
}

// List returns the state of every registry entry, sorted by (source, name).
func (h *Hub) List() []ConnectionInfo {
	h.mu.Lock()
	infos := make([]ConnectionInfo, 0, len(h.conns))
	for key, e := range h.conns {
		info := ConnectionInfo{
			Name:     key.name,
			Source:   key.source,
			Status:   e.state.connStatus(),
			History:  e.hist.snapshot(),
			Disabled: !e.spec.IsEnabled(),
		}
		if st, ok := e.state.(stateConnected); ok {
			info.PeerInfo = st.conn.neg.peerInfoValue()
			if caps, ok := st.conn.neg.peerCaps(); ok {
				info.Capabilities = caps
			}
			info.Pending = st.conn.corr.pendingCount()
		}
		infos = append(infos, info)
	}
	h.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Source != infos[j].Source {
			return infos[i].Source < infos[j].Source
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Reconcile drives the registry toward the given configuration: new
// connections are connected, removed ones deleted, and changed ones restarted.
// How and when changes are detected is the caller's concern; Watcher is one
// provided source.
func (h *Hub) Reconcile(ctx context.Context, cfg Config) error {
	h.mu.Lock()
	h.disabled = cfg.Disabled
	current := make(map[connKey]ConnectionSpec, len(h.conns))
	for key, e := range h.conns {
		current[key] = e.spec
	}
	h.mu.Unlock()

	desired := make(map[connKey]ConnectionSpec, len(cfg.Connections))
	for _, spec := range cfg.Connections {
		desired[connKey{name: spec.Name, source: spec.Source}] = spec
	}

	var errs []error

	for key := range current {
		if _, ok := desired[key]; !ok {
			h.Delete(key.name, key.source)
		}
	}

	for key, spec := range desired {
		old, exists := current[key]
		if exists && old.Equal(spec) {
			continue
		}
		if err := h.Connect(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key.name, err))
		}
	}

	return errors.Join(errs...)
}

// Close deletes every connection and releases all resources.
func (h *Hub) Close() {
	h.mu.Lock()
	keys := make([]connKey, 0, len(h.conns))
	for key := range h.conns {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		h.Delete(key.name, key.source)
	}
}

// connected resolves a key to its live connection.
func (h *Hub) connected(name, source string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.conns[connKey{name: name, source: source}]
	if !ok {
		return nil, fmt.Errorf("unknown connection: %s", name)
	}
	st, ok := e.state.(stateConnected)
	if !ok {
		return nil, fmt.Errorf("connection %s is %s", name, e.state.connStatus())
	}
	return st.conn, nil
}

// Call issues a request on the named connection, optionally augmented with
// progress reporting and task semantics.
func (h *Hub) Call(ctx context.Context, name, source, method string, params any, opts CallOptions) (CallResult, error) {
	conn, err := h.connected(name, source)
	if err != nil {
		return CallResult{}, err
	}
	return conn.call(ctx, method, params, opts)
}

// CancelRequest sends a best-effort cancellation for an in-flight request on
// the named connection and aborts the local wait.
func (h *Hub) CancelRequest(name, source, correlationID, reason string) error {
	conn, err := h.connected(name, source)
	if err != nil {
		return err
	}
	return conn.corr.cancel(correlationID, reason)
}

// TaskGet fetches the authoritative descriptor of a task this engine initiated.
func (h *Hub) TaskGet(ctx context.Context, name, source, taskID string) (TaskDescriptor, error) {
	conn, err := h.connected(name, source)
	if err != nil {
		return TaskDescriptor{}, err
	}
	return conn.init.remoteGet(ctx, taskID)
}

// TaskResult waits for a task this engine initiated and returns its deferred
// payload.
func (h *Hub) TaskResult(ctx context.Context, name, source, taskID string) (json.RawMessage, error) {
	conn, err := h.connected(name, source)
	if err != nil {
		return nil, err
	}
	return conn.init.await(ctx, taskID)
}

// TaskList lists the peer's task records, passing the cursor through unchanged.
func (h *Hub) TaskList(ctx context.Context, name, source, cursor string) (ListTasksResult, error) {
	conn, err := h.connected(name, source)
	if err != nil {
		return ListTasksResult{}, err
	}
	return conn.init.list(ctx, cursor)
}

// TaskCancel requests cooperative cancellation of a task this engine initiated.
func (h *Hub) TaskCancel(ctx context.Context, name, source, taskID string) error {
	conn, err := h.connected(name, source)
	if err != nil {
		return err
	}
	return conn.init.cancel(ctx, taskID)
}
