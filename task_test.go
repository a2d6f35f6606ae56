package toolhub

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	all := []TaskStatus{
		TaskStatusWorking,
		TaskStatusInputRequired,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			got := validTransition(from, to)

			var want bool
			switch {
			case from.Terminal():
				want = false
			case from == to:
				want = false
			default:
				// Any move off a non-terminal status is legal except
				// self-transitions, which the table omits.
				want = true
			}

			if got != want {
				t.Errorf("transition %s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTaskRecordTransition(t *testing.T) {
	rec := newTaskRecord("sess", 0, defaultPollIntervalMs)

	if rec.descriptor.Status != TaskStatusWorking {
		t.Fatalf("new record status: got %s", rec.descriptor.Status)
	}

	if err := rec.transition(TaskStatusInputRequired, "waiting on approval"); err != nil {
		t.Fatalf("working -> input_required: %v", err)
	}
	if rec.descriptor.StatusMessage != "waiting on approval" {
		t.Errorf("status message: got %q", rec.descriptor.StatusMessage)
	}

	if err := rec.transition(TaskStatusWorking, ""); err != nil {
		t.Fatalf("input_required -> working: %v", err)
	}

	if err := rec.transition(TaskStatusCompleted, ""); err != nil {
		t.Fatalf("working -> completed: %v", err)
	}

	select {
	case <-rec.done:
	default:
		t.Error("done should be closed after terminal transition")
	}

	err := rec.transition(TaskStatusCancelled, "")
	if !errors.Is(err, ErrInvalidTaskTransition) {
		t.Errorf("terminal transition: got %v, want ErrInvalidTaskTransition", err)
	}
	if rec.descriptor.Status != TaskStatusCompleted {
		t.Errorf("stored status changed by failed transition: %s", rec.descriptor.Status)
	}
}

func TestTaskRecordTTLDefaults(t *testing.T) {
	rec := newTaskRecord("sess", 0, defaultPollIntervalMs)
	if got := rec.ttl(); got != time.Duration(defaultTaskTTLMs)*time.Millisecond {
		t.Errorf("default ttl: got %s", got)
	}

	rec = newTaskRecord("sess", 1500, defaultPollIntervalMs)
	if got := rec.ttl(); got != 1500*time.Millisecond {
		t.Errorf("explicit ttl: got %s", got)
	}
}

func TestPollIntervalDefault(t *testing.T) {
	if got := pollInterval(TaskDescriptor{}); got != time.Duration(defaultPollIntervalMs)*time.Millisecond {
		t.Errorf("default interval: got %s", got)
	}
	if got := pollInterval(TaskDescriptor{PollInterval: 50}); got != 50*time.Millisecond {
		t.Errorf("explicit interval: got %s", got)
	}
}

func TestTaskIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := newTaskID()
		if id == "" {
			t.Fatal("empty task id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate task id after %d draws: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}
