// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package synccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/issuestore"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

func newTestStore(t *testing.T, clk clock.Clock) *issuestore.Store {
	t.Helper()
	store, err := issuestore.Open(issuestore.Config{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("issuestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCache_PutGetListing(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Store: newTestStore(t, clk), Clock: clk, TTL: time.Minute})

	entries := []jiraissue.Ref{{Key: "PROJ-1", UpdatedAt: clk.Now()}}
	if err := c.PutListing(context.Background(), "team-a", entries, "cursor-1"); err != nil {
		t.Fatalf("PutListing: %v", err)
	}

	got, cursor, ok := c.GetListing("team-a")
	if !ok {
		t.Fatal("expected listing present")
	}
	if len(got) != 1 || got[0].Key != "PROJ-1" {
		t.Errorf("got %+v", got)
	}
	if cursor != "cursor-1" {
		t.Errorf("cursor = %q, want cursor-1", cursor)
	}
}

func TestCache_GetListing_Miss(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})

	if _, _, ok := c.GetListing("nonexistent"); ok {
		t.Error("expected miss")
	}
}

func TestCache_GetOrHydrateArtifact_HydratesFromStore(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	ctx := context.Background()

	if err := store.UpsertIssue(ctx, "PROJ-1", []byte("# PROJ-1"), clk.Now()); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	c := New(Config{Store: store, Clock: clk, TTL: time.Minute})

	artifact, ok, err := c.GetOrHydrateArtifact(ctx, "PROJ-1")
	if err != nil {
		t.Fatalf("GetOrHydrateArtifact: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after hydration from store")
	}
	if string(artifact.Markdown) != "# PROJ-1" {
		t.Errorf("Markdown = %q", artifact.Markdown)
	}

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after hydration", c.Len())
	}
}

func TestCache_GetOrHydrateArtifact_Miss(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Store: newTestStore(t, clk), Clock: clk, TTL: time.Minute})

	_, ok, err := c.GetOrHydrateArtifact(context.Background(), "PROJ-404")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown key")
	}
}

func TestCache_PutArtifact_RefreshesFreshness(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})
	ctx := context.Background()
	updated := clk.Now()

	if err := c.PutArtifact(ctx, "PROJ-1", []byte("v1"), nil, updated); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	clk.Advance(2 * time.Minute)
	if a, ok, _ := c.GetOrHydrateArtifact(ctx, "PROJ-1"); !ok || a.Fresh(clk.Now(), c.TTL()) {
		t.Errorf("expected stale artifact after TTL elapsed, fresh=%v", a.Fresh(clk.Now(), c.TTL()))
	}

	if err := c.PutArtifact(ctx, "PROJ-1", []byte("v1"), nil, updated); err != nil {
		t.Fatalf("PutArtifact (refresh): %v", err)
	}
	if a, ok, _ := c.GetOrHydrateArtifact(ctx, "PROJ-1"); !ok || !a.Fresh(clk.Now(), c.TTL()) {
		t.Errorf("expected re-put to refresh freshness, fresh=%v", a.Fresh(clk.Now(), c.TTL()))
	}
}

func TestCache_FetchArtifactCoalesced_Success(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})

	calls := 0
	fetch := func(ctx context.Context) (Artifact, error) {
		calls++
		return Artifact{Markdown: []byte("fresh"), UpdatedAt: clk.Now()}, nil
	}

	artifact, err := c.FetchArtifactCoalesced(context.Background(), "PROJ-1", fetch)
	if err != nil {
		t.Fatalf("FetchArtifactCoalesced: %v", err)
	}
	if string(artifact.Markdown) != "fresh" {
		t.Errorf("Markdown = %q", artifact.Markdown)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	cached, ok := c.memoryArtifact("PROJ-1")
	if !ok || string(cached.Markdown) != "fresh" {
		t.Errorf("expected write-through to memory, got %+v ok=%v", cached, ok)
	}
}

func TestCache_FetchArtifactCoalesced_StaleSafeFallback(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})
	ctx := context.Background()

	if err := c.PutArtifact(ctx, "PROJ-1", []byte("stale-but-known"), nil, clk.Now()); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	fetchErr := errors.New("remote unreachable")
	fetch := func(ctx context.Context) (Artifact, error) {
		return Artifact{}, fetchErr
	}

	artifact, err := c.FetchArtifactCoalesced(ctx, "PROJ-1", fetch)
	if err != nil {
		t.Fatalf("expected stale-safe fallback, got error: %v", err)
	}
	if string(artifact.Markdown) != "stale-but-known" {
		t.Errorf("Markdown = %q, want stale-but-known", artifact.Markdown)
	}
	if c.StaleServedCount() != 1 {
		t.Errorf("StaleServedCount() = %d, want 1", c.StaleServedCount())
	}
}

func TestCache_FetchArtifactCoalesced_PropagatesErrorWithoutPrior(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})

	fetchErr := errors.New("remote unreachable")
	fetch := func(ctx context.Context) (Artifact, error) {
		return Artifact{}, fetchErr
	}

	_, err := c.FetchArtifactCoalesced(context.Background(), "PROJ-404", fetch)
	if err == nil {
		t.Fatal("expected error when no prior artifact exists")
	}
}

func TestCache_FetchArtifactCoalesced_CoalescesConcurrentCallers(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, TTL: time.Minute})

	start := make(chan struct{})
	var calls int
	fetch := func(ctx context.Context) (Artifact, error) {
		calls++
		<-start
		return Artifact{Markdown: []byte("v1"), UpdatedAt: clk.Now()}, nil
	}

	results := make(chan Artifact, 2)
	for i := 0; i < 2; i++ {
		go func() {
			a, err := c.FetchArtifactCoalesced(context.Background(), "PROJ-1", fetch)
			if err != nil {
				t.Errorf("FetchArtifactCoalesced: %v", err)
			}
			results <- a
		}()
	}

	close(start)
	a1 := <-results
	a2 := <-results
	if string(a1.Markdown) != "v1" || string(a2.Markdown) != "v1" {
		t.Errorf("got %q, %q", a1.Markdown, a2.Markdown)
	}
}
