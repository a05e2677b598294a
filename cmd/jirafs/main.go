// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/config"
	fusefs "github.com/kadencartwright/jirafs/lib/jirafs/fuse"
	"github.com/kadencartwright/jirafs/lib/issuestore"
	"github.com/kadencartwright/jirafs/lib/jiratracker"
	"github.com/kadencartwright/jirafs/lib/render"
	"github.com/kadencartwright/jirafs/lib/synccache"
	"github.com/kadencartwright/jirafs/lib/syncengine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		mountpoint string
		socketPath string
		debug      bool
		status     bool
		sync       bool
		full       bool
	)
	flag.StringVar(&configPath, "config", "", "path to jirafs.yaml (defaults to $JIRAFS_CONFIG)")
	flag.StringVar(&mountpoint, "mountpoint", "", "FUSE mount directory (required unless --status/--sync)")
	flag.StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path")
	flag.BoolVar(&debug, "debug", false, "enable debug-level logging")
	flag.BoolVar(&status, "status", false, "print the running daemon's sync status and exit")
	flag.BoolVar(&sync, "sync", false, "trigger an incremental resync on the running daemon and exit")
	flag.BoolVar(&full, "full", false, "with --sync, trigger a full resync instead of incremental")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if status {
		return runStatus(socketPath)
	}
	if sync {
		return runTrigger(socketPath, full)
	}

	if mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	return runDaemon(cfg, mountpoint, socketPath, logger)
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/jirafs.sock"
	}
	return "/tmp/jirafs.sock"
}

func runStatus(socketPath string) error {
	client := newControlClient(socketPath)
	status, err := client.GetStatus()
	if err != nil {
		return err
	}
	fmt.Printf("state: %s\n", status.SyncState)
	if status.LastSync != nil {
		fmt.Printf("last_sync: %s\n", status.LastSync.Format("2006-01-02T15:04:05Z07:00"))
	} else {
		fmt.Println("last_sync: never")
	}
	if status.LastFullSync != nil {
		fmt.Printf("last_full_sync: %s\n", status.LastFullSync.Format("2006-01-02T15:04:05Z07:00"))
	} else {
		fmt.Println("last_full_sync: never")
	}
	fmt.Printf("seconds_to_next_sync: %d\n", status.SecondsToNextSync)
	fmt.Printf("sync_in_progress: %t\n", status.SyncInProgress)
	if len(status.Errors) > 0 {
		fmt.Printf("errors:\n")
		for _, e := range status.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

func runTrigger(socketPath string, full bool) error {
	kind := syncengine.TriggerManual
	if full {
		kind = syncengine.TriggerFull
	}
	client := newControlClient(socketPath)
	accepted, reason, err := client.TriggerSync(kind)
	if err != nil {
		return err
	}
	fmt.Printf("accepted: %t\nreason: %s\n", accepted, reason)
	return nil
}

// resolveCredential resolves an opaque credential_ref into the actual
// API token value. Credential acquisition itself is an external
// collaborator's concern (spec §1); this resolves only the two
// conventions simple enough to not need one: "env:NAME" reads an
// environment variable, "file:PATH" reads a file (trimmed of leading
// and trailing whitespace), and anything else is treated as a literal
// environment variable name for convenience.
func resolveCredential(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("credential_ref %q: environment variable %s is not set", ref, name)
		}
		return value, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("credential_ref %q: reading %s: %w", ref, path, err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		value := os.Getenv(ref)
		if value == "" {
			return "", fmt.Errorf("credential_ref %q: environment variable not set", ref)
		}
		return value, nil
	}
}

func runDaemon(cfg *config.Config, mountpoint string, socketPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token, err := resolveCredential(cfg.Remote.CredentialRef)
	if err != nil {
		return err
	}

	clk := clock.Real()

	store, err := issuestore.Open(issuestore.Config{
		Path:   cfg.Cache.StorePath,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening issue store: %w", err)
	}
	defer store.Close()

	tracker, err := jiratracker.NewClient(jiratracker.Config{
		BaseURL:  cfg.Remote.BaseURL,
		Email:    cfg.Remote.Email,
		APIToken: token,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating tracker client: %w", err)
	}

	ttl, err := cfg.TTL()
	if err != nil {
		return fmt.Errorf("parsing cache.ttl_seconds: %w", err)
	}

	cache := synccache.New(synccache.Config{
		Store:  store,
		Clock:  clk,
		TTL:    ttl,
		Logger: logger,
	})

	workspaces := make([]syncengine.Workspace, 0, len(cfg.Workspaces))
	for name, ws := range cfg.Workspaces {
		workspaces = append(workspaces, syncengine.Workspace{Name: name, Query: ws.Query})
	}

	engine := syncengine.New(syncengine.Config{
		Workspaces:           workspaces,
		Tracker:              tracker,
		Cache:                cache,
		Store:                store,
		Clock:                clk,
		Logger:               logger,
		IntervalSeconds:      cfg.Sync.IntervalSeconds,
		Budget:               cfg.Sync.Budget,
		MaxConcurrentFetches: cfg.Sync.MaxConcurrentFetches,
		RenderConfig:         render.Config{CommentsInlineLimit: cfg.Render.CommentsInlineLimit},
	})
	engine.Run(ctx)
	defer engine.Shutdown()

	control := newControlServer(socketPath, engine, logger)
	controlDone := make(chan error, 1)
	go func() { controlDone <- control.Serve(ctx) }()

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: mountpoint,
		Cache:      cache,
		Controller: engine,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting filesystem: %w", err)
	}

	logger.Info("jirafs running", "mountpoint", mountpoint, "socket", socketPath, "workspaces", len(workspaces))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := server.Unmount(); err != nil {
		logger.Error("unmount failed", "error", err)
	}
	server.Wait()

	if err := <-controlDone; err != nil {
		logger.Error("control socket server stopped with error", "error", err)
	}

	return nil
}
