package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type initiatorHarness struct {
	init     *initiator
	progress *progressTracker
	peer     *pipeSession
}

func newInitiatorHarness(t *testing.T) *initiatorHarness {
	t.Helper()

	sess, peer := newSessionPair()
	t.Cleanup(sess.Stop)

	corr := newCorrelator(sess, time.Second, testLogger())
	progress := newProgressTracker(testLogger())
	neg := newNegotiator(Info{Name: "test", Version: "0"}, ClientCapabilities{})
	init := newInitiator(context.Background(), corr, neg, progress, testLogger())

	// Route responses from the scripted peer back into the correlator.
	go func() {
		for msg := range sess.Messages() {
			if msg.Method == "" {
				corr.handleResponse(msg)
			}
		}
	}()

	return &initiatorHarness{init: init, progress: progress, peer: peer}
}

// answerTaskMethods responds to tasks/get with descriptors popped off the given
// queue (repeating the last one when exhausted) and to tasks/result and
// tasks/cancel with fixed payloads.
func (h *initiatorHarness) answerTaskMethods(descriptors []TaskDescriptor, resultPayload string) {
	var mu sync.Mutex
	idx := 0

	go func() {
		for msg := range h.peer.Messages() {
			switch msg.Method {
			case MethodTasksGet:
				mu.Lock()
				d := descriptors[idx]
				if idx < len(descriptors)-1 {
					idx++
				}
				mu.Unlock()
				bs, _ := json.Marshal(d)
				_ = h.peer.Send(context.Background(), JSONRPCMessage{
					JSONRPC: JSONRPCVersion, ID: msg.ID, Result: bs,
				})
			case MethodTasksResult:
				_ = h.peer.Send(context.Background(), JSONRPCMessage{
					JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(resultPayload),
				})
			case MethodTasksCancel:
				bs, _ := json.Marshal(TaskDescriptor{TaskID: "t1", Status: TaskStatusCancelled})
				_ = h.peer.Send(context.Background(), JSONRPCMessage{
					JSONRPC: JSONRPCVersion, ID: msg.ID, Result: bs,
				})
			}
		}
	}()
}

func working(id string, pollMs int64) TaskDescriptor {
	now := time.Now()
	return TaskDescriptor{
		TaskID:       id,
		Status:       TaskStatusWorking,
		PollInterval: pollMs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestInitiatorPollsToCompletion(t *testing.T) {
	h := newInitiatorHarness(t)

	completed := working("t1", 10)
	completed.Status = TaskStatusCompleted
	h.answerTaskMethods([]TaskDescriptor{
		working("t1", 10),
		working("t1", 10),
		completed,
	}, `{"value":42}`)

	var observed []TaskStatus
	var mu sync.Mutex
	handle := h.init.register(working("t1", 10), func(d TaskDescriptor) {
		mu.Lock()
		observed = append(observed, d.Status)
		mu.Unlock()
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(payload) != `{"value":42}` {
		t.Errorf("payload: %s", payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) < 2 {
		t.Fatalf("observed transitions: %v", observed)
	}
	if observed[0] != TaskStatusWorking || observed[len(observed)-1] != TaskStatusCompleted {
		t.Errorf("transition sequence: %v", observed)
	}

	// The local record is destroyed after the result was retrieved.
	if _, ok := h.init.status("t1"); ok {
		t.Error("record should be gone after result retrieval")
	}
}

func TestInitiatorPushSettlesTask(t *testing.T) {
	h := newInitiatorHarness(t)
	h.answerTaskMethods([]TaskDescriptor{working("t1", 60000)}, `"done"`)

	// Poll interval is far beyond the test horizon: only pushes can settle it.
	handle := h.init.register(working("t1", 60000), nil, "")

	d := working("t1", 60000)
	d.Status = TaskStatusCompleted
	h.init.handlePush(d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestInitiatorIgnoresStaleStatus(t *testing.T) {
	h := newInitiatorHarness(t)

	h.init.register(working("t1", 60000), nil, "")

	d := working("t1", 60000)
	d.Status = TaskStatusCompleted
	h.init.handlePush(d)

	// A late update reporting the old status must not move the task backwards.
	h.init.handlePush(working("t1", 60000))

	got, ok := h.init.status("t1")
	if !ok {
		t.Fatal("record missing")
	}
	if got.Status != TaskStatusCompleted {
		t.Errorf("status: got %s, want completed", got.Status)
	}
}

func TestInitiatorDeclined(t *testing.T) {
	h := newInitiatorHarness(t)

	handle := h.init.register(working("t1", 60000), nil, "")

	d := working("t1", 60000)
	d.Status = TaskStatusFailed
	d.StatusMessage = declinedPrefix + ": user said no"
	h.init.handlePush(d)

	_, err := handle.Wait(context.Background())
	if !errors.Is(err, ErrTaskDeclined) {
		t.Fatalf("got %v, want ErrTaskDeclined", err)
	}
}

func TestInitiatorRemoteFailure(t *testing.T) {
	h := newInitiatorHarness(t)

	handle := h.init.register(working("t1", 60000), nil, "")

	d := working("t1", 60000)
	d.Status = TaskStatusFailed
	d.StatusMessage = "tool crashed"
	h.init.handlePush(d)

	_, err := handle.Wait(context.Background())
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want TaskFailedError", err)
	}
	if errors.Is(err, ErrTaskDeclined) {
		t.Error("plain failure must not read as a decline")
	}
	if failed.Message != "tool crashed" {
		t.Errorf("message: %q", failed.Message)
	}
}

func TestInitiatorWaitDeadline(t *testing.T) {
	h := newInitiatorHarness(t)

	handle := h.init.register(working("t1", 60000), nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := handle.Wait(ctx)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("got %v, want ErrRequestTimeout", err)
	}
}

func TestInitiatorCancel(t *testing.T) {
	h := newInitiatorHarness(t)
	h.answerTaskMethods([]TaskDescriptor{working("t1", 60000)}, `""`)

	handle := h.init.register(working("t1", 60000), nil, "")

	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := handle.Wait(context.Background())
	var cancelled *TaskCancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("got %v, want TaskCancelledError", err)
	}

	// Cancelling a settled task is rejected.
	err = handle.Cancel(context.Background())
	if !errors.Is(err, ErrInvalidTaskTransition) {
		t.Fatalf("second cancel: got %v, want ErrInvalidTaskTransition", err)
	}
}

func TestInitiatorCancelUnknownTask(t *testing.T) {
	h := newInitiatorHarness(t)

	err := h.init.cancel(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
}

func TestInitiatorReleasesProgressToken(t *testing.T) {
	h := newInitiatorHarness(t)

	token := h.progress.issueToken("tools/call", nil)
	h.init.register(working("t1", 60000), nil, token)

	d := working("t1", 60000)
	d.Status = TaskStatusCompleted
	h.init.handlePush(d)

	if _, _, ok := h.progress.lastProgress(token); ok {
		t.Error("token should be released on the terminal transition")
	}
}

func TestInitiatorFailAll(t *testing.T) {
	h := newInitiatorHarness(t)

	handle := h.init.register(working("t1", 60000), nil, "")
	h.init.failAll("connection closed")

	_, err := handle.Wait(context.Background())
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("got %v, want TaskFailedError", err)
	}
}
