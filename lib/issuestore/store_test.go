// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package issuestore

import (
	"context"
	"testing"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:     ":memory:",
		PoolSize: 1,
		Clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGetIssue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	updatedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := store.UpsertIssue(ctx, "PROJ-1", []byte("# hello"), updatedAt); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	row, ok, err := store.GetIssue(ctx, "PROJ-1")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if !ok {
		t.Fatal("expected row to exist")
	}
	if string(row.Markdown) != "# hello" {
		t.Errorf("Markdown = %q", row.Markdown)
	}
	if !row.UpdatedAt.Equal(updatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", row.UpdatedAt, updatedAt)
	}
}

func TestGetIssueMissing(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.GetIssue(context.Background(), "PROJ-404")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if ok {
		t.Fatal("expected missing row")
	}
}

func TestUpsertIssueIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	updatedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := store.UpsertIssue(ctx, "PROJ-1", []byte("# hello"), updatedAt); err != nil {
			t.Fatalf("UpsertIssue[%d]: %v", i, err)
		}
	}

	row, ok, err := store.GetIssue(ctx, "PROJ-1")
	if err != nil || !ok {
		t.Fatalf("GetIssue: ok=%v err=%v", ok, err)
	}
	if string(row.Markdown) != "# hello" {
		t.Errorf("Markdown = %q", row.Markdown)
	}
}

func TestListingRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []jiraissue.Ref{
		{Key: "PROJ-2", UpdatedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
		{Key: "PROJ-1", UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	if err := store.PutListing(ctx, "default", entries); err != nil {
		t.Fatalf("PutListing: %v", err)
	}

	got, ok, err := store.GetListing(ctx, "default")
	if err != nil || !ok {
		t.Fatalf("GetListing: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0].Key != "PROJ-2" {
		t.Errorf("GetListing = %+v", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.GetCursor(ctx, "default"); err != nil || ok {
		t.Fatalf("expected no cursor yet, ok=%v err=%v", ok, err)
	}

	if err := store.SetCursor(ctx, "default", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	cursor, ok, err := store.GetCursor(ctx, "default")
	if err != nil || !ok {
		t.Fatalf("GetCursor: ok=%v err=%v", ok, err)
	}
	if cursor != "2026-01-01T00:00:00Z" {
		t.Errorf("cursor = %q", cursor)
	}
}

func TestWarmStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []jiraissue.Ref{{Key: "PROJ-1", UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}}
	if err := store.PutListing(ctx, "default", entries); err != nil {
		t.Fatalf("PutListing: %v", err)
	}
	if err := store.SetCursor(ctx, "default", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	result, err := store.WarmStart(ctx, []string{"default", "empty"})
	if err != nil {
		t.Fatalf("WarmStart: %v", err)
	}
	if len(result.Listings["default"]) != 1 {
		t.Errorf("Listings[default] = %+v", result.Listings["default"])
	}
	if result.Cursors["default"] != "2026-01-02T00:00:00Z" {
		t.Errorf("Cursors[default] = %q", result.Cursors["default"])
	}
	if _, ok := result.Listings["empty"]; ok {
		t.Errorf("expected no listing for never-synced workspace")
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	updatedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := store.UpsertSidecar(ctx, "PROJ-1", []byte("overflow"), updatedAt); err != nil {
		t.Fatalf("UpsertSidecar: %v", err)
	}

	data, got, ok, err := store.GetSidecar(ctx, "PROJ-1")
	if err != nil || !ok {
		t.Fatalf("GetSidecar: ok=%v err=%v", ok, err)
	}
	if string(data) != "overflow" {
		t.Errorf("sidecar = %q", data)
	}
	if !got.Equal(updatedAt) {
		t.Errorf("updatedAt = %v, want %v", got, updatedAt)
	}
}
