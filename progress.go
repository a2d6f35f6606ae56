package toolhub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ProgressObserver is invoked with the raw reported values of every progress
// update for a token, including non-monotonic ones.
type ProgressObserver func(params ProgressParams)

// progressEntry records the last-observed progress for one token. A token stays
// valid for the entire lifetime of its owning operation, which for a task may
// span many request/response round trips.
type progressEntry struct {
	owner    string
	last     float64
	total    float64
	reported bool
	observer ProgressObserver
}

// progressTracker issues progress tokens, records last-known progress per
// token, and invokes registered observers on update. One tracker is owned by
// each connection.
type progressTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[MustString]*progressEntry
}

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		logger: logger,
		tokens: make(map[MustString]*progressEntry),
	}
}

// issueToken registers a new token owned by the given operation. Tokens are
// generated without collision across the process lifetime.
func (t *progressTracker) issueToken(owner string, observer ProgressObserver) MustString {
	token := MustString(uuid.New().String())

	t.mu.Lock()
	t.tokens[token] = &progressEntry{owner: owner, observer: observer}
	t.mu.Unlock()

	return token
}

// release invalidates a token. It must be called on every terminal outcome of
// the owner; releasing an unknown token is harmless.
func (t *progressTracker) release(token MustString) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// handleProgress processes an inbound progress event. Events for unknown tokens
// are ignored. A progress value lower than the last recorded one is logged as a
// non-fatal regression, but still overwrites the stored value and still reaches
// the observer with the raw reported values.
func (t *progressTracker) handleProgress(params ProgressParams) {
	t.mu.Lock()
	e, ok := t.tokens[params.ProgressToken]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("progress for unknown token", slog.String("token", string(params.ProgressToken)))
		return
	}

	if e.reported && params.Progress < e.last {
		t.logger.Warn("progress regression",
			slog.String("token", string(params.ProgressToken)),
			slog.String("method", e.owner),
			slog.Float64("last", e.last),
			slog.Float64("reported", params.Progress))
	}
	e.last = params.Progress
	if params.Total != 0 {
		e.total = params.Total
	}
	e.reported = true
	observer := e.observer
	t.mu.Unlock()

	if observer != nil {
		observer(params)
	}
}

// lastProgress returns the stored values for a token, for inspection.
func (t *progressTracker) lastProgress(token MustString) (progress, total float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tokens[token]
	if !ok {
		return 0, 0, false
	}
	return e.last, e.total, true
}

// releaseAll drops every token. Used on connection teardown.
func (t *progressTracker) releaseAll() {
	t.mu.Lock()
	t.tokens = make(map[MustString]*progressEntry)
	t.mu.Unlock()
}
