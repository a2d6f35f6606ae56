package toolhub

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watcher reloads configuration when its backing file changes and reconciles
// the hub against the result. The load function is injected so the file format
// stays the host's choice; LoadConfigFile is the usual one.
type Watcher struct {
	hub    *Hub
	path   string
	load   LoadFunc
	logger *slog.Logger
}

// NewWatcher creates a watcher for the config file at path. Watch must be
// called to start it.
func NewWatcher(hub *Hub, path string, load LoadFunc) *Watcher {
	return &Watcher{
		hub:    hub,
		path:   path,
		load:   load,
		logger: hub.logger.With(slog.String("component", "watcher")),
	}
}

// Watch blocks until the context is canceled, reconciling the hub on every
// change to the config file. Loads that fail keep the current configuration.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &TransportError{Op: "watch", Err: err}
	}
	defer watcher.Close()

	// Watch the parent directory so atomic renames are seen; editors and
	// config writers rarely modify the file in place.
	dir := filepath.Dir(w.path)
	filename := filepath.Base(w.path)

	if err := watcher.Add(dir); err != nil {
		return &TransportError{Op: "watch", Err: err}
	}

	w.logger.Info("watching config file", slog.String("path", w.path))

	var debounceMu sync.Mutex
	var debounceTimer *time.Timer

	trigger := func() {
		debounceMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(watchDebounce, func() {
			w.reload(ctx)
		})
		debounceMu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceMu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// Atomic writes surface as rename or create depending on the
			// OS and the writer.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("failed to load changed config, keeping current",
			slog.String("err", err.Error()))
		return
	}

	if err := w.hub.Reconcile(ctx, cfg); err != nil {
		w.logger.Error("reconcile after config change", slog.String("err", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.Int("connections", len(cfg.Connections)))
}
