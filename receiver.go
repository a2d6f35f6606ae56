package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// RequestHandler services a request a remote peer sends into this engine, such
// as an approval or elicitation prompt. For task-augmented requests the handler
// runs asynchronously after the task descriptor has already been returned to
// the peer; tc is then non-nil and lets the handler expose input_required while
// it genuinely waits on an external collaborator. For plain requests tc is nil
// and the return value answers the request directly.
type RequestHandler func(ctx context.Context, params json.RawMessage, tc *TaskContext) (any, error)

const taskListPageSize = 50

// declinedPrefix marks the status message of tasks whose underlying operation
// the external collaborator declined, so initiators can keep "declined"
// distinguishable from other remote failures.
const declinedPrefix = "declined"

// receiver manages tasks created by remote peers calling into this engine. It
// owns the inbound half of the task surface: synthesizing tasks for augmented
// requests, pushing status notifications, and serving tasks/get, tasks/result,
// tasks/list and tasks/cancel.
type receiver struct {
	logger   *slog.Logger
	corr     *correlator
	handlers map[string]RequestHandler

	// baseCtx bounds all handler work; it is cancelled on connection teardown.
	baseCtx context.Context

	mu    sync.Mutex
	tasks map[string]*taskRecord
	// cancels stops the asynchronous work of a task, keyed by task id.
	cancels map[string]context.CancelFunc
}

// TaskContext is handed to handlers servicing a task-augmented request. It is
// the only way handler code mutates task state.
type TaskContext struct {
	rcv *receiver
	id  string
}

// TaskID returns the id of the task this handler is servicing.
func (tc *TaskContext) TaskID() string { return tc.id }

// RequireInput transitions the task to input_required while the handler waits
// on an external collaborator's decision.
func (tc *TaskContext) RequireInput(message string) error {
	return tc.rcv.setStatus(tc.id, TaskStatusInputRequired, message)
}

// Resume transitions the task back to working once the awaited input arrived.
func (tc *TaskContext) Resume(message string) error {
	return tc.rcv.setStatus(tc.id, TaskStatusWorking, message)
}

func newReceiver(
	baseCtx context.Context,
	corr *correlator,
	handlers map[string]RequestHandler,
	logger *slog.Logger,
) *receiver {
	return &receiver{
		logger:   logger,
		corr:     corr,
		handlers: handlers,
		baseCtx:  baseCtx,
		tasks:    make(map[string]*taskRecord),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// handleRequest dispatches one inbound peer request. Augmented requests are
// answered immediately with a working task descriptor; the underlying work
// continues asynchronously and its completion is what the task tracks, not the
// protocol response.
func (r *receiver) handleRequest(sessionID string, msg JSONRPCMessage) {
	handler, ok := r.handlers[msg.Method]
	if !ok {
		r.replyError(msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
		return
	}

	meta := extractMeta(msg.Params)
	if meta.Task == nil {
		r.servePlain(sessionID, msg, handler)
		return
	}

	rec := newTaskRecord(sessionID, meta.Task.TTL, defaultPollIntervalMs)
	workCtx, cancel := context.WithCancel(r.baseCtx)

	r.mu.Lock()
	r.tasks[rec.descriptor.TaskID] = rec
	r.cancels[rec.descriptor.TaskID] = cancel
	rec.ttlTimer = time.AfterFunc(rec.ttl(), func() {
		r.purge(rec.descriptor.TaskID)
	})
	r.mu.Unlock()

	if err := r.corr.sendResult(r.baseCtx, msg.ID, CreateTaskResult{Task: rec.descriptor}); err != nil {
		r.logger.Error("failed to send task descriptor", slog.String("err", err.Error()))
		r.purge(rec.descriptor.TaskID)
		cancel()
		return
	}

	go r.runTask(workCtx, rec.descriptor.TaskID, msg.Params, handler)
}

// servePlain answers a non-augmented request synchronously from the peer's
// point of view, with inbound cancellation support.
func (r *receiver) servePlain(_ string, msg JSONRPCMessage, handler RequestHandler) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.corr.registerInbound(string(msg.ID), cancel)

	go func() {
		defer r.corr.completeInbound(string(msg.ID))

		res, err := handler(ctx, msg.Params, nil)
		if ctx.Err() != nil {
			// The peer cancelled this request; any answer would be ignored.
			return
		}
		if err != nil {
			r.replyError(msg.ID, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()})
			return
		}
		if sErr := r.corr.sendResult(r.baseCtx, msg.ID, res); sErr != nil {
			r.logger.Error("failed to send result", slog.String("err", sErr.Error()))
		}
	}()
}

func (r *receiver) runTask(ctx context.Context, taskID string, params json.RawMessage, handler RequestHandler) {
	res, err := handler(ctx, params, &TaskContext{rcv: r, id: taskID})

	switch {
	case err == nil:
		r.complete(taskID, res)
	case errors.Is(err, ErrTaskDeclined):
		r.fail(taskID, fmt.Sprintf("%s: %v", declinedPrefix, err))
	case errors.Is(err, context.Canceled):
		// tasks/cancel or teardown already moved the record; nothing to record.
	default:
		r.fail(taskID, err.Error())
	}
}

// setStatus applies a non-terminal transition and pushes a status notification.
func (r *receiver) setStatus(taskID string, status TaskStatus, message string) error {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := rec.transition(status, message); err != nil {
		r.mu.Unlock()
		return err
	}
	d := rec.descriptor
	r.mu.Unlock()

	r.pushStatus(d)
	return nil
}

func (r *receiver) complete(taskID string, res any) {
	payload, err := json.Marshal(res)
	if err != nil {
		r.fail(taskID, fmt.Sprintf("marshal result: %v", err))
		return
	}

	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if err := rec.transition(TaskStatusCompleted, ""); err != nil {
		r.mu.Unlock()
		return
	}
	rec.result = payload
	d := rec.descriptor
	r.mu.Unlock()

	r.pushStatus(d)
}

func (r *receiver) fail(taskID, message string) {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if err := rec.transition(TaskStatusFailed, message); err != nil {
		r.mu.Unlock()
		return
	}
	if strings.HasPrefix(message, declinedPrefix) {
		rec.failure = fmt.Errorf("%w: %s", ErrTaskDeclined, message)
	} else {
		rec.failure = &TaskFailedError{TaskID: taskID, Message: message}
	}
	d := rec.descriptor
	r.mu.Unlock()

	r.pushStatus(d)
}

// pushStatus attempts to notify the peer of a transition. Best-effort: the peer
// may also poll, so absence of a listener is not an error.
func (r *receiver) pushStatus(d TaskDescriptor) {
	if err := r.corr.notify(r.baseCtx, methodNotificationsTasksStatus, d); err != nil {
		r.logger.Debug("failed to push task status",
			slog.String("taskId", d.TaskID), slog.String("err", err.Error()))
	}
}

// lookup resolves a task id within the given session scope. Records owned by
// other sessions are reported as not found rather than revealing their existence.
func (r *receiver) lookup(sessionID, taskID string) (*taskRecord, error) {
	rec, ok := r.tasks[taskID]
	if !ok || rec.sessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return rec, nil
}

// get returns the task's current descriptor. Repeated calls with no intervening
// state change return identical descriptors.
func (r *receiver) get(sessionID, taskID string) (TaskDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(sessionID, taskID)
	if err != nil {
		return TaskDescriptor{}, err
	}
	return rec.descriptor, nil
}

// result suspends until the task reaches a terminal status, bounded by the
// caller's context. The first successful retrieval purges the record.
func (r *receiver) result(ctx context.Context, sessionID, taskID string) (json.RawMessage, error) {
	r.mu.Lock()
	rec, err := r.lookup(sessionID, taskID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	done := rec.done
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	r.mu.Lock()
	rec, err = r.lookup(sessionID, taskID)
	if err != nil {
		// Purged between wakeup and lookup, by TTL or by a concurrent retrieval.
		r.mu.Unlock()
		return nil, err
	}

	if rec.descriptor.Status != TaskStatusCompleted {
		failure := rec.failure
		status := rec.descriptor.Status
		r.mu.Unlock()
		if failure != nil {
			return nil, failure
		}
		return nil, fmt.Errorf("task %s is %s", taskID, status)
	}

	payload := rec.result
	r.mu.Unlock()

	// Retrieval destroys the record; this is a policy choice, not a protocol
	// invariant, and TTL expiry remains an independent destruction path.
	r.purge(taskID)
	return payload, nil
}

// list returns the session's task descriptors, cursor-paginated in creation order.
func (r *receiver) list(sessionID, cursor string) (ListTasksResult, error) {
	r.mu.Lock()
	var all []TaskDescriptor
	for _, rec := range r.tasks {
		if rec.sessionID == sessionID {
			all = append(all, rec.descriptor)
		}
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].TaskID < all[j].TaskID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, d := range all {
			if d.TaskID == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + taskListPageSize
	if end > len(all) {
		end = len(all)
	}

	res := ListTasksResult{Tasks: all[start:end]}
	if end < len(all) {
		res.NextCursor = all[end-1].TaskID
	}
	return res, nil
}

// cancelTask moves the task to cancelled and stops its work. Cancelling an
// already-terminal task fails with ErrInvalidTaskTransition; its stored status
// is unchanged.
func (r *receiver) cancelTask(sessionID, taskID, reason string) (TaskDescriptor, error) {
	r.mu.Lock()
	rec, err := r.lookup(sessionID, taskID)
	if err != nil {
		r.mu.Unlock()
		return TaskDescriptor{}, err
	}
	if err := rec.transition(TaskStatusCancelled, reason); err != nil {
		r.mu.Unlock()
		return TaskDescriptor{}, err
	}
	rec.failure = &TaskCancelledError{TaskID: taskID}
	cancel := r.cancels[taskID]
	delete(r.cancels, taskID)
	d := rec.descriptor
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.pushStatus(d)
	return d, nil
}

// purge destroys a task record regardless of its status. After purge, any
// further get, result or cancel fails with ErrTaskNotFound.
func (r *receiver) purge(taskID string) {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	if ok {
		delete(r.tasks, taskID)
		if rec.ttlTimer != nil {
			rec.ttlTimer.Stop()
		}
	}
	cancel, hasCancel := r.cancels[taskID]
	if hasCancel {
		delete(r.cancels, taskID)
	}
	r.mu.Unlock()

	if hasCancel {
		cancel()
	}
}

// failAll marks every live task failed and stops all work. Used on connection
// teardown; no timers survive it.
func (r *receiver) failAll(reason string) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for id, rec := range r.tasks {
		if !rec.descriptor.Status.Terminal() {
			// Teardown forces the terminal state; transition cannot fail here.
			_ = rec.transition(TaskStatusFailed, reason)
			rec.failure = &TaskFailedError{TaskID: id, Message: reason}
		}
		if rec.ttlTimer != nil {
			rec.ttlTimer.Stop()
		}
		delete(r.tasks, id)
	}
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// serveTaskMethod handles the tasks/* surface for one inbound request.
func (r *receiver) serveTaskMethod(ctx context.Context, sessionID string, msg JSONRPCMessage) {
	switch msg.Method {
	case MethodTasksGet:
		var params GetTaskParams
		if !r.decodeParams(msg, &params) {
			return
		}
		d, err := r.get(sessionID, params.TaskID)
		r.replyTask(msg.ID, d, err)
	case MethodTasksResult:
		var params GetTaskParams
		if !r.decodeParams(msg, &params) {
			return
		}
		// The wait is bounded by the calling peer's own timeout: the peer aborts
		// it with notifications/cancelled, which cancels this context.
		waitCtx, cancel := context.WithCancel(ctx)
		r.corr.registerInbound(string(msg.ID), cancel)
		go func() {
			defer r.corr.completeInbound(string(msg.ID))
			payload, err := r.result(waitCtx, sessionID, params.TaskID)
			if err != nil {
				if waitCtx.Err() != nil {
					return
				}
				r.replyError(msg.ID, taskRPCError(err))
				return
			}
			if sErr := r.corr.sendResult(r.baseCtx, msg.ID, json.RawMessage(payload)); sErr != nil {
				r.logger.Error("failed to send task result", slog.String("err", sErr.Error()))
			}
		}()
	case MethodTasksList:
		var params ListTasksParams
		if len(msg.Params) > 0 && !r.decodeParams(msg, &params) {
			return
		}
		res, err := r.list(sessionID, params.Cursor)
		if err != nil {
			r.replyError(msg.ID, taskRPCError(err))
			return
		}
		if sErr := r.corr.sendResult(r.baseCtx, msg.ID, res); sErr != nil {
			r.logger.Error("failed to send task list", slog.String("err", sErr.Error()))
		}
	case MethodTasksCancel:
		var params GetTaskParams
		if !r.decodeParams(msg, &params) {
			return
		}
		d, err := r.cancelTask(sessionID, params.TaskID, userCancelledReason)
		r.replyTask(msg.ID, d, err)
	}
}

func (r *receiver) decodeParams(msg JSONRPCMessage, v any) bool {
	if err := json.Unmarshal(msg.Params, v); err != nil {
		r.replyError(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("malformed params: %v", err),
		})
		return false
	}
	return true
}

func (r *receiver) replyTask(id MustString, d TaskDescriptor, err error) {
	if err != nil {
		r.replyError(id, taskRPCError(err))
		return
	}
	if sErr := r.corr.sendResult(r.baseCtx, id, d); sErr != nil {
		r.logger.Error("failed to send task descriptor", slog.String("err", sErr.Error()))
	}
}

func (r *receiver) replyError(id MustString, rpcErr JSONRPCError) {
	if err := r.corr.sendError(r.baseCtx, id, rpcErr); err != nil {
		r.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

// taskRPCError maps local task errors onto their wire-level codes.
func taskRPCError(err error) JSONRPCError {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return JSONRPCError{Code: jsonRPCTaskNotFoundCode, Message: err.Error()}
	case errors.Is(err, ErrInvalidTaskTransition):
		return JSONRPCError{Code: jsonRPCInvalidTaskTransitionCode, Message: err.Error()}
	default:
		return JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
	}
}
