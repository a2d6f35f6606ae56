// Command host is a minimal host program: it loads a connection config,
// brings every enabled connection up, hot-reloads the config on change, and
// optionally performs one call before settling into watch mode.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pluggrid/toolhub"
)

func main() {
	configPath := flag.String("config", "", "Path to the connections config file (required)")
	callSpec := flag.String("call", "", "Optional call to perform, as name/source/method")
	callParams := flag.String("params", "", "JSON params for -call")
	asTask := flag.Bool("task", false, "Request task execution for -call")

	flag.Parse()

	if *configPath == "" {
		fmt.Println("Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	hub := toolhub.NewHub(toolhub.Info{
		Name:    "toolhub-example-host",
		Version: "1.0",
	}, toolhub.NewDialer(), toolhub.WithLogger(logger))
	defer hub.Close()

	hub.Subscribe(toolhub.NotificationToolsChanged, func(n toolhub.Notification) {
		logger.Info("tool list changed",
			slog.String("connection", n.Name),
			slog.String("source", n.Source))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := toolhub.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Println("Error: failed to load config:", err)
		os.Exit(1)
	}
	if err := hub.Reconcile(ctx, cfg); err != nil {
		logger.Warn("some connections failed", slog.String("err", err.Error()))
	}

	printConnections(hub)

	if *callSpec != "" {
		if err := runCall(ctx, hub, *callSpec, *callParams, *asTask); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		return
	}

	watcher := toolhub.NewWatcher(hub, *configPath, func() (toolhub.Config, error) {
		return toolhub.LoadConfigFile(*configPath)
	})
	if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
		fmt.Println("Error: config watcher:", err)
		os.Exit(1)
	}
}

func printConnections(hub *toolhub.Hub) {
	for _, info := range hub.List() {
		fmt.Printf("%s/%s: %s", info.Source, info.Name, info.Status)
		if info.PeerInfo.Name != "" {
			fmt.Printf(" (%s %s)", info.PeerInfo.Name, info.PeerInfo.Version)
		}
		fmt.Println()
	}
}

func runCall(ctx context.Context, hub *toolhub.Hub, spec, params string, asTask bool) error {
	parts := splitCallSpec(spec)
	if parts == nil {
		return fmt.Errorf("invalid -call %q, want name/source/method", spec)
	}
	name, source, method := parts[0], parts[1], parts[2]

	var p any
	if params != "" {
		if err := json.Unmarshal([]byte(params), &p); err != nil {
			return fmt.Errorf("invalid -params: %w", err)
		}
	}

	res, err := hub.Call(ctx, name, source, method, p, toolhub.CallOptions{
		Timeout: 30 * time.Second,
		Task:    asTask,
		Progress: func(pp toolhub.ProgressParams) {
			fmt.Printf("progress: %.0f/%.0f\n", pp.Progress, pp.Total)
		},
	})
	if err != nil {
		return err
	}

	if res.Task != nil {
		fmt.Println("task started:", res.Task.ID())
		payload, err := res.Task.Wait(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	}

	fmt.Println(string(res.Result))
	return nil
}

func splitCallSpec(spec string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(spec) && len(parts) < 2; i++ {
		if spec[i] == '/' {
			parts = append(parts, spec[start:i])
			start = i + 1
		}
	}
	parts = append(parts, spec[start:])
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil
	}
	return parts
}
