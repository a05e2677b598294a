// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/issuestore"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
	"github.com/kadencartwright/jirafs/lib/jiratracker"
	"github.com/kadencartwright/jirafs/lib/synccache"
	"github.com/kadencartwright/jirafs/lib/syncengine"
)

// fuseAvailable skips the test when /dev/fuse is absent, matching the
// teacher's lib/artifact/fuse and lib/artifactstore/fuse test helpers.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// testMount seeds a cache with one workspace and one issue, mounts
// the filesystem, and returns the mountpoint plus the underlying
// engine and cache for assertions.
func testMount(t *testing.T) (mountpoint string, cache *synccache.Cache, engine *syncengine.Engine) {
	t.Helper()
	fuseAvailable(t)

	root := t.TempDir()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	store, err := issuestore.Open(issuestore.Config{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("issuestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache = synccache.New(synccache.Config{Store: store, Clock: clk, TTL: time.Minute})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	tracker, err := jiratracker.NewClient(jiratracker.Config{
		BaseURL:    server.URL,
		Email:      "agent@example.com",
		APIToken:   "test-token",
		HTTPClient: server.Client(),
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	engine = syncengine.New(syncengine.Config{
		Workspaces:           []syncengine.Workspace{{Name: "default", Query: "project = PROJ"}},
		Tracker:              tracker,
		Cache:                cache,
		Store:                store,
		Clock:                clk,
		IntervalSeconds:      60,
		MaxConcurrentFetches: 1,
	})

	ctx := context.Background()
	updated := clk.Now()
	if err := cache.PutListing(ctx, "default", []jiraissue.Ref{{Key: "PROJ-1", UpdatedAt: updated}}, ""); err != nil {
		t.Fatalf("PutListing: %v", err)
	}
	if err := cache.PutArtifact(ctx, "PROJ-1", []byte("# PROJ-1\n\nhello\n"), nil, updated); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	mountpoint = filepath.Join(root, "mount")
	server2, err := Mount(Options{
		Mountpoint: mountpoint,
		Cache:      cache,
		Controller: engine,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server2.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint, cache, engine
}

func TestMount_RootHasSyncMetaAndWorkspaces(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names[".sync_meta"] || !names["workspaces"] {
		t.Errorf("got entries %v, want .sync_meta and workspaces", names)
	}
}

func TestMount_SyncMetaHasFixedFiles(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	entries, err := os.ReadDir(filepath.Join(mountpoint, ".sync_meta"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, want := range []string{"last_sync", "last_full_sync", "seconds_to_next_sync", "sync_in_progress", "manual_refresh", "full_refresh"} {
		if !names[want] {
			t.Errorf("missing .sync_meta/%s", want)
		}
	}
}

func TestMount_LastSyncReadsNeverBeforeFirstTick(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	data, err := os.ReadFile(filepath.Join(mountpoint, ".sync_meta", "last_sync"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "never\n" {
		t.Errorf("last_sync = %q, want \"never\\n\"", data)
	}
}

func TestMount_IssueFileReadable(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	data, err := os.ReadFile(filepath.Join(mountpoint, "workspaces", "default", "PROJ-1.md"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "# PROJ-1\n\nhello\n" {
		t.Errorf("got %q", data)
	}
}

func TestMount_IssueFileRejectsWrite(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	path := filepath.Join(mountpoint, "workspaces", "default", "PROJ-1.md")
	err := os.WriteFile(path, []byte("x"), 0o644)
	if err == nil {
		t.Fatal("expected write to a rendered issue file to fail")
	}
}

func TestMount_UnknownIssueReturnsNotFound(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	_, err := os.ReadFile(filepath.Join(mountpoint, "workspaces", "default", "PROJ-404.md"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestMount_ManualRefreshTriggerAcceptsWrite(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	path := filepath.Join(mountpoint, ".sync_meta", "manual_refresh")
	if err := os.WriteFile(path, []byte("1"), 0o200); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestMount_TriggerFileRejectsRead(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	_, err := os.ReadFile(filepath.Join(mountpoint, ".sync_meta", "manual_refresh"))
	if err == nil {
		t.Fatal("expected read of a write-only trigger file to fail")
	}
}

func TestMount_CommentsSidecarListedOnlyWhenPresent(t *testing.T) {
	mountpoint, cache, _ := testMount(t)

	entries, err := os.ReadDir(filepath.Join(mountpoint, "workspaces", "default"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == "PROJ-1.comments.md" {
			t.Fatal("did not expect a comments sidecar before one is cached")
		}
	}

	ctx := context.Background()
	updated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := cache.PutArtifact(ctx, "PROJ-1", []byte("# PROJ-1\n"), []byte("overflow comments"), updated); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(mountpoint, "workspaces", "default", "PROJ-1.comments.md"))
	if err != nil {
		t.Fatalf("ReadFile sidecar: %v", err)
	}
	if string(data) != "overflow comments" {
		t.Errorf("got %q", data)
	}
}
