package toolhub

import (
	"sync"
	"time"
)

const (
	historyCapacity    = 100
	historyMaxEntryLen = 512
)

// HistoryLevel tags a history entry's severity.
type HistoryLevel string

// History entry severities.
const (
	HistoryInfo  HistoryLevel = "info"
	HistoryWarn  HistoryLevel = "warn"
	HistoryError HistoryLevel = "error"
)

// HistoryEntry is one recorded connection event. Messages are truncated to a
// fixed maximum length at record time.
type HistoryEntry struct {
	Time    time.Time    `json:"time"`
	Level   HistoryLevel `json:"level"`
	Message string       `json:"message"`
}

// history is a bounded ring of connection events. Once full, the oldest entry
// is overwritten. It is safe for concurrent use.
type history struct {
	mu      sync.Mutex
	entries [historyCapacity]HistoryEntry
	start   int
	size    int
}

func (h *history) append(level HistoryLevel, message string) {
	if len(message) > historyMaxEntryLen {
		message = message[:historyMaxEntryLen]
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entry := HistoryEntry{Time: time.Now(), Level: level, Message: message}
	if h.size < historyCapacity {
		h.entries[(h.start+h.size)%historyCapacity] = entry
		h.size++
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % historyCapacity
}

// snapshot returns the recorded entries, oldest first.
func (h *history) snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.start+i)%historyCapacity]
	}
	return out
}
