package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TaskStatusObserver is invoked on every observed transition of a remote task,
// including input_required, which callers should treat as a distinct signal
// that an external interaction is pending on the peer's side.
type TaskStatusObserver func(d TaskDescriptor)

// initiatorTask tracks one task created by a local augmented call to a remote
// peer. The remote record is authoritative; this is the local mirror.
type initiatorTask struct {
	descriptor    TaskDescriptor
	observer      TaskStatusObserver
	progressToken MustString

	// pushObserved stops the polling fallback once push notifications prove to work.
	pushObserved bool

	pollCancel context.CancelFunc

	done    chan struct{}
	failure error

	resultOnce sync.Once
	result     json.RawMessage
	resultErr  error
}

// initiator drives tasks created by local augmented calls to remote peers:
// registration, push-preferred/poll-fallback status tracking, exactly-once
// result retrieval, cancellation, and listing.
type initiator struct {
	logger   *slog.Logger
	corr     *correlator
	neg      *negotiator
	progress *progressTracker
	baseCtx  context.Context

	mu    sync.Mutex
	tasks map[string]*initiatorTask
}

func newInitiator(
	baseCtx context.Context,
	corr *correlator,
	neg *negotiator,
	progress *progressTracker,
	logger *slog.Logger,
) *initiator {
	return &initiator{
		logger:   logger,
		corr:     corr,
		neg:      neg,
		progress: progress,
		baseCtx:  baseCtx,
		tasks:    make(map[string]*initiatorTask),
	}
}

// register records the task descriptor returned by an augmented call and starts
// the polling fallback. The poller stops as soon as a pushed notification or a
// terminal poll result is observed.
func (i *initiator) register(d TaskDescriptor, observer TaskStatusObserver, progressToken MustString) *TaskHandle {
	t := &initiatorTask{
		descriptor:    d,
		observer:      observer,
		progressToken: progressToken,
		done:          make(chan struct{}),
	}

	i.mu.Lock()
	i.tasks[d.TaskID] = t
	if d.Status.Terminal() {
		// The peer completed synchronously; no polling needed.
		i.finishLocked(t)
	} else {
		pollCtx, cancel := context.WithCancel(i.baseCtx)
		t.pollCancel = cancel
		go i.poll(pollCtx, d.TaskID, pollInterval(d))
	}
	i.mu.Unlock()

	if observer != nil {
		observer(d)
	}
	return &TaskHandle{init: i, id: d.TaskID, created: d}
}

// poll actively fetches the task descriptor at the peer-declared interval.
func (i *initiator) poll(ctx context.Context, taskID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d, err := i.remoteGet(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Warn("task poll failed", slog.String("taskId", taskID), slog.String("err", err.Error()))
			continue
		}

		i.apply(d, false)

		i.mu.Lock()
		t, ok := i.tasks[taskID]
		stop := !ok || t.pushObserved || t.descriptor.Status.Terminal()
		i.mu.Unlock()
		if stop {
			return
		}
	}
}

// handlePush consumes a pushed tasks/status notification.
func (i *initiator) handlePush(d TaskDescriptor) {
	i.apply(d, true)
}

// apply folds a remote descriptor into the local mirror. Stale updates (ones
// that would move a task backwards or out of a terminal status) are ignored;
// polling and pushing race by design.
func (i *initiator) apply(d TaskDescriptor, pushed bool) {
	i.mu.Lock()
	t, ok := i.tasks[d.TaskID]
	if !ok {
		i.mu.Unlock()
		i.logger.Debug("status for unknown task", slog.String("taskId", d.TaskID))
		return
	}

	if pushed && !t.pushObserved {
		t.pushObserved = true
		if t.pollCancel != nil {
			t.pollCancel()
		}
	}

	current := t.descriptor.Status
	var changed bool
	switch {
	case d.Status == current:
		t.descriptor.StatusMessage = d.StatusMessage
		t.descriptor.UpdatedAt = d.UpdatedAt
	case validTransition(current, d.Status):
		t.descriptor = d
		changed = true
	default:
		i.mu.Unlock()
		i.logger.Debug("ignoring stale task status",
			slog.String("taskId", d.TaskID),
			slog.String("current", string(current)),
			slog.String("reported", string(d.Status)))
		return
	}

	if changed && t.descriptor.Status.Terminal() {
		i.finishLocked(t)
	}
	observer := t.observer
	desc := t.descriptor
	i.mu.Unlock()

	if changed && observer != nil {
		observer(desc)
	}
}

// finishLocked settles a task that reached a terminal status. Callers hold i.mu.
func (i *initiator) finishLocked(t *initiatorTask) {
	switch t.descriptor.Status {
	case TaskStatusFailed:
		if strings.HasPrefix(t.descriptor.StatusMessage, declinedPrefix) {
			t.failure = fmt.Errorf("%w: %s", ErrTaskDeclined, t.descriptor.StatusMessage)
		} else {
			t.failure = &TaskFailedError{TaskID: t.descriptor.TaskID, Message: t.descriptor.StatusMessage}
		}
	case TaskStatusCancelled:
		t.failure = &TaskCancelledError{TaskID: t.descriptor.TaskID}
	}
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
	if t.progressToken != "" {
		i.progress.release(t.progressToken)
	}
	close(t.done)
}

// await suspends until the task settles, then retrieves the outcome. On
// completed it fetches the deferred payload exactly once and purges the local
// record; on failed or cancelled it surfaces the failure instead of a payload.
func (i *initiator) await(ctx context.Context, taskID string) (json.RawMessage, error) {
	i.mu.Lock()
	t, ok := i.tasks[taskID]
	i.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: task %s", ErrRequestTimeout, taskID)
		}
		return nil, ctx.Err()
	case <-t.done:
	}

	if t.failure != nil {
		return nil, t.failure
	}

	t.resultOnce.Do(func() {
		res, err := i.corr.send(ctx, MethodTasksResult, GetTaskParams{TaskID: taskID}, 0)
		if err != nil {
			t.resultErr = err
			return
		}
		if res.Error != nil {
			t.resultErr = taskError(res.Error)
			return
		}
		t.result = res.Result

		i.mu.Lock()
		delete(i.tasks, taskID)
		i.mu.Unlock()
	})

	return t.result, t.resultErr
}

// cancel sends a cancellation control operation to the peer and marks the local
// record cancelled. The local abort never blocks on peer acknowledgement.
func (i *initiator) cancel(ctx context.Context, taskID string) error {
	i.mu.Lock()
	t, ok := i.tasks[taskID]
	if !ok {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.descriptor.Status.Terminal() {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidTaskTransition, taskID, t.descriptor.Status)
	}
	// Teardown and races aside, cancelled is reachable from every non-terminal
	// status, so this transition cannot fail.
	_ = t.transitionCancelled()
	i.finishLocked(t)
	observer := t.observer
	desc := t.descriptor
	i.mu.Unlock()

	if observer != nil {
		observer(desc)
	}

	res, err := i.corr.send(ctx, MethodTasksCancel, GetTaskParams{TaskID: taskID}, 0)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return taskError(res.Error)
	}
	return nil
}

// remoteGet fetches the authoritative descriptor from the peer.
func (i *initiator) remoteGet(ctx context.Context, taskID string) (TaskDescriptor, error) {
	res, err := i.corr.send(ctx, MethodTasksGet, GetTaskParams{TaskID: taskID}, 0)
	if err != nil {
		return TaskDescriptor{}, err
	}
	if res.Error != nil {
		return TaskDescriptor{}, taskError(res.Error)
	}

	var d TaskDescriptor
	if err := unmarshalResult(res.Result, MethodTasksGet, &d); err != nil {
		return TaskDescriptor{}, err
	}
	return d, nil
}

// list passes the pagination cursor through to the peer unchanged.
func (i *initiator) list(ctx context.Context, cursor string) (ListTasksResult, error) {
	res, err := i.corr.send(ctx, MethodTasksList, ListTasksParams{Cursor: cursor}, 0)
	if err != nil {
		return ListTasksResult{}, err
	}
	if res.Error != nil {
		return ListTasksResult{}, taskError(res.Error)
	}

	var result ListTasksResult
	if err := unmarshalResult(res.Result, MethodTasksList, &result); err != nil {
		return ListTasksResult{}, err
	}
	return result, nil
}

// status returns the local mirror of a task's descriptor.
func (i *initiator) status(taskID string) (TaskDescriptor, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.tasks[taskID]
	if !ok {
		return TaskDescriptor{}, false
	}
	return t.descriptor, true
}

// failAll settles every live task as failed. Used on connection teardown.
func (i *initiator) failAll(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, t := range i.tasks {
		if t.descriptor.Status.Terminal() {
			continue
		}
		t.descriptor.Status = TaskStatusFailed
		t.descriptor.StatusMessage = reason
		t.descriptor.UpdatedAt = time.Now()
		t.failure = &TaskFailedError{TaskID: id, Message: reason}
		if t.pollCancel != nil {
			t.pollCancel()
			t.pollCancel = nil
		}
		if t.progressToken != "" {
			i.progress.release(t.progressToken)
		}
		close(t.done)
	}
}

func (t *initiatorTask) transitionCancelled() error {
	if t.descriptor.Status.Terminal() {
		return ErrInvalidTaskTransition
	}
	t.descriptor.Status = TaskStatusCancelled
	t.descriptor.UpdatedAt = time.Now()
	return nil
}

// TaskHandle is the caller's view of a task created by an augmented call.
type TaskHandle struct {
	init    *initiator
	id      string
	created TaskDescriptor
}

// ID returns the task identifier.
func (h *TaskHandle) ID() string { return h.id }

// Status returns the last observed descriptor. After the task settles and its
// result is retrieved, the creation-time descriptor is returned.
func (h *TaskHandle) Status() TaskDescriptor {
	if d, ok := h.init.status(h.id); ok {
		return d
	}
	return h.created
}

// Wait suspends until the task reaches a terminal status and returns its
// deferred payload. Deadline expiry on ctx surfaces as ErrRequestTimeout,
// keeping timeouts distinguishable from declines, remote errors, and
// cancellation.
func (h *TaskHandle) Wait(ctx context.Context) (json.RawMessage, error) {
	return h.init.await(ctx, h.id)
}

// Cancel requests cooperative cancellation of the task.
func (h *TaskHandle) Cancel(ctx context.Context) error {
	return h.init.cancel(ctx, h.id)
}
