package toolhub

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default task timing hints, in the units carried on the wire (milliseconds).
const (
	defaultPollIntervalMs = int64(500)
	defaultTaskTTLMs      = int64(5 * 60 * 1000)
)

// allowedTransitions is the full forward-only transition table of the task
// state machine. Terminal statuses admit no further transition; input_required
// may resume to working once the awaited interaction arrives.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusWorking: {
		TaskStatusInputRequired,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	},
	TaskStatusInputRequired: {
		TaskStatusWorking,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	},
	TaskStatusCompleted: nil,
	TaskStatusFailed:    nil,
	TaskStatusCancelled: nil,
}

// validTransition reports whether moving from one status to another is legal.
func validTransition(from, to TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// newTaskID generates a task identifier drawn from a space too large to guess.
func newTaskID() string {
	return uuid.New().String()
}

// taskRecord is the local state of one task, shared by both coordinator roles.
// Mutation happens only through the owning coordinator's methods.
type taskRecord struct {
	descriptor TaskDescriptor

	// sessionID scopes the record to the transport session that created it.
	// Task operations from any other session must not resolve this record.
	sessionID string

	// result is the deferred payload slot, populated when the task completes.
	result []byte
	// failure holds the terminal error for failed or cancelled tasks.
	failure error

	// done is closed when the task reaches a terminal status.
	done chan struct{}

	ttlTimer *time.Timer
}

func newTaskRecord(sessionID string, ttlMs, pollMs int64) *taskRecord {
	now := time.Now()
	return &taskRecord{
		descriptor: TaskDescriptor{
			TaskID:       newTaskID(),
			Status:       TaskStatusWorking,
			PollInterval: pollMs,
			TTL:          ttlMs,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// transition moves the record to the given status, enforcing the state machine.
// On entering a terminal status it closes done exactly once.
func (r *taskRecord) transition(to TaskStatus, message string) error {
	from := r.descriptor.Status
	if !validTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTaskTransition, from, to)
	}
	r.descriptor.Status = to
	r.descriptor.StatusMessage = message
	r.descriptor.UpdatedAt = time.Now()
	if to.Terminal() {
		close(r.done)
	}
	return nil
}

func (r *taskRecord) ttl() time.Duration {
	if r.descriptor.TTL <= 0 {
		return time.Duration(defaultTaskTTLMs) * time.Millisecond
	}
	return time.Duration(r.descriptor.TTL) * time.Millisecond
}

func pollInterval(d TaskDescriptor) time.Duration {
	if d.PollInterval <= 0 {
		return time.Duration(defaultPollIntervalMs) * time.Millisecond
	}
	return time.Duration(d.PollInterval) * time.Millisecond
}
