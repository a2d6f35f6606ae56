package toolhub

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWatchedConfig(t *testing.T, path string, cfg Config) {
	t.Helper()
	bs, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	// Atomic rename, the way config writers usually update files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename config: %v", err)
	}
}

func TestWatcherReconcilesOnChange(t *testing.T) {
	transport := &pipeTransport{caps: ServerCapabilities{}, setup: taskCapableSetup}
	hub := newTestHub(t, transport)

	dir := t.TempDir()
	path := filepath.Join(dir, "toolhub.json")
	writeWatchedConfig(t, path, Config{Connections: []ConnectionSpec{testSpec("alpha")}})

	w := NewWatcher(hub, path, func() (Config, error) {
		return LoadConfigFile(path)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- w.Watch(ctx)
	}()

	// Give the watcher time to install before the first change.
	time.Sleep(50 * time.Millisecond)

	writeWatchedConfig(t, path, Config{Connections: []ConnectionSpec{testSpec("alpha"), testSpec("beta")}})

	waitFor(t, 5*time.Second, func() bool {
		return len(hub.List()) == 2
	}, "new connection reconciled")

	writeWatchedConfig(t, path, Config{Connections: []ConnectionSpec{testSpec("beta")}})

	waitFor(t, 5*time.Second, func() bool {
		infos := hub.List()
		return len(infos) == 1 && infos[0].Name == "beta"
	}, "removed connection deleted")

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}

func TestWatcherKeepsConfigOnBrokenLoad(t *testing.T) {
	transport := &pipeTransport{caps: ServerCapabilities{}, setup: taskCapableSetup}
	hub := newTestHub(t, transport)

	dir := t.TempDir()
	path := filepath.Join(dir, "toolhub.json")
	writeWatchedConfig(t, path, Config{Connections: []ConnectionSpec{testSpec("alpha")}})

	if err := hub.Reconcile(context.Background(), Config{Connections: []ConnectionSpec{testSpec("alpha")}}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	w := NewWatcher(hub, path, func() (Config, error) {
		return LoadConfigFile(path)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}

	// The broken load must leave the running configuration untouched.
	time.Sleep(500 * time.Millisecond)
	infos := hub.List()
	if len(infos) != 1 || infos[0].Name != "alpha" || infos[0].Status != StatusConnected {
		t.Errorf("connections after broken load: %+v", infos)
	}
}
