package toolhub

import (
	"errors"
	"fmt"
)

// Sentinel errors for the task surface and request lifecycle. Callers are expected
// to check them with errors.Is; they are never collapsed into generic failures.
var (
	// ErrTaskNotFound is returned when a task id does not resolve to a live record,
	// either because it never existed or because its record has been purged.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTaskTransition is returned when an operation would move a task
	// out of a terminal status, such as cancelling a completed task.
	ErrInvalidTaskTransition = errors.New("invalid task transition")

	// ErrHandshakeNotCancellable is returned when cancellation is attempted on the
	// initialize exchange. The handshake always runs to completion or failure.
	ErrHandshakeNotCancellable = errors.New("handshake request is not cancellable")

	// ErrConnectionClosed is the abort reason applied to pending requests when
	// their owning connection is deleted.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is returned when a request's deadline elapses before a
	// response arrives.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestCancelled is returned to the caller of a request that was
	// cancelled locally before a response arrived.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrTaskDeclined is returned when the external collaborator declined the
	// operation underlying a task.
	ErrTaskDeclined = errors.New("declined by collaborator")
)

// TransportError wraps a connect or send failure on a connection's transport.
// It is recovered locally: the connection moves to disconnected with a history
// entry, and the error never propagates to callers on other connections.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-contract response from a peer.
// It is surfaced only to the caller of the specific operation.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %s", e.Method, e.Reason)
}

// CapabilityError reports an operation attempted against a peer that did not
// declare support for it. It fails fast, before any message is sent.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("peer does not support %s", e.Capability)
}

// TaskFailedError carries the failure message of a task that reached the failed
// status, keeping remote failures distinguishable from local cancellation and
// timeouts all the way to the caller.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// TaskCancelledError reports a task that reached the cancelled status before
// producing a result.
type TaskCancelledError struct {
	TaskID string
}

func (e *TaskCancelledError) Error() string {
	return fmt.Sprintf("task %s cancelled", e.TaskID)
}

// taskError maps a wire-level JSONRPCError from the tasks/* surface back onto
// the local sentinels, so both roles report the same taxonomy.
func taskError(err *JSONRPCError) error {
	switch err.Code {
	case jsonRPCTaskNotFoundCode:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, err.Message)
	case jsonRPCInvalidTaskTransitionCode:
		return fmt.Errorf("%w: %s", ErrInvalidTaskTransition, err.Message)
	default:
		return err
	}
}
