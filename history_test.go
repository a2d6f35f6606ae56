package toolhub

import (
	"fmt"
	"strings"
	"testing"
)

func TestHistoryAppendAndSnapshot(t *testing.T) {
	var h history

	h.append(HistoryInfo, "connected")
	h.append(HistoryError, "boom")

	got := h.snapshot()
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2", len(got))
	}
	if got[0].Message != "connected" || got[0].Level != HistoryInfo {
		t.Errorf("first entry: %+v", got[0])
	}
	if got[1].Message != "boom" || got[1].Level != HistoryError {
		t.Errorf("second entry: %+v", got[1])
	}
}

func TestHistoryWraps(t *testing.T) {
	var h history

	for i := 0; i < historyCapacity+10; i++ {
		h.append(HistoryInfo, fmt.Sprintf("event %d", i))
	}

	got := h.snapshot()
	if len(got) != historyCapacity {
		t.Fatalf("entries: got %d, want %d", len(got), historyCapacity)
	}
	if got[0].Message != "event 10" {
		t.Errorf("oldest entry: got %q, want %q", got[0].Message, "event 10")
	}
	if got[len(got)-1].Message != fmt.Sprintf("event %d", historyCapacity+9) {
		t.Errorf("newest entry: got %q", got[len(got)-1].Message)
	}
}

func TestHistoryTruncatesLongMessages(t *testing.T) {
	var h history

	h.append(HistoryError, strings.Repeat("x", historyMaxEntryLen*2))

	got := h.snapshot()
	if len(got[0].Message) != historyMaxEntryLen {
		t.Errorf("message length: got %d, want %d", len(got[0].Message), historyMaxEntryLen)
	}
}
