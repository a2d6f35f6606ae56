package toolhub

import (
	"testing"
)

func TestProgressTrackerTokenUniqueness(t *testing.T) {
	tracker := newProgressTracker(testLogger())

	seen := make(map[MustString]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		token := tracker.issueToken("tools/call", nil)
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate progress token: %s", token)
		}
		seen[token] = struct{}{}
	}
}

func TestProgressTrackerObserver(t *testing.T) {
	tracker := newProgressTracker(testLogger())

	var got []ProgressParams
	token := tracker.issueToken("tools/call", func(params ProgressParams) {
		got = append(got, params)
	})

	tracker.handleProgress(ProgressParams{ProgressToken: token, Progress: 1, Total: 10})
	tracker.handleProgress(ProgressParams{ProgressToken: token, Progress: 5, Total: 10, Message: "halfway"})

	if len(got) != 2 {
		t.Fatalf("observer calls: got %d, want 2", len(got))
	}
	if got[1].Message != "halfway" {
		t.Errorf("message: got %q", got[1].Message)
	}

	progress, total, ok := tracker.lastProgress(token)
	if !ok || progress != 5 || total != 10 {
		t.Errorf("last progress: got %v/%v ok=%v", progress, total, ok)
	}
}

func TestProgressTrackerRegression(t *testing.T) {
	tracker := newProgressTracker(testLogger())

	var got []float64
	token := tracker.issueToken("tools/call", func(params ProgressParams) {
		got = append(got, params.Progress)
	})

	tracker.handleProgress(ProgressParams{ProgressToken: token, Progress: 5})
	tracker.handleProgress(ProgressParams{ProgressToken: token, Progress: 3})

	// A regression is logged but not suppressed: the observer sees the raw
	// value, and the stored value is overwritten.
	if len(got) != 2 || got[1] != 3 {
		t.Fatalf("observer values: got %v, want [5 3]", got)
	}
	progress, _, _ := tracker.lastProgress(token)
	if progress != 3 {
		t.Errorf("stored progress: got %v, want 3", progress)
	}
}

func TestProgressTrackerUnknownToken(t *testing.T) {
	tracker := newProgressTracker(testLogger())

	// Updates for unknown tokens are dropped without side effects.
	tracker.handleProgress(ProgressParams{ProgressToken: "never-issued", Progress: 1})

	if _, _, ok := tracker.lastProgress("never-issued"); ok {
		t.Error("unknown token should not be recorded")
	}
}

func TestProgressTrackerRelease(t *testing.T) {
	tracker := newProgressTracker(testLogger())

	token := tracker.issueToken("tools/call", nil)
	tracker.release(token)

	tracker.handleProgress(ProgressParams{ProgressToken: token, Progress: 7})
	if _, _, ok := tracker.lastProgress(token); ok {
		t.Error("released token should be invalid")
	}

	// Releasing again is harmless.
	tracker.release(token)
}
