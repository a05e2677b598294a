// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package synccache implements the multi-tier memory cache described
// in spec §4.2: TTL-keyed workspace listings and issue artifacts, a
// coalesced single-flight fetch path, and stale-safe fallback when a
// refresh fails but a prior value is cached.
//
// Conceptually grounded on original_source/src/cache.rs's
// InMemoryCache/CacheEntry shape, re-expressed in Go. Single-flight
// coalescing uses golang.org/x/sync/singleflight rather than a
// hand-rolled per-key condvar wait list.
package synccache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/issuestore"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

// Artifact is the in-memory representation of one issue's rendered
// bytes, per spec §3's "rendered artifact".
type Artifact struct {
	Markdown  []byte
	Sidecar   []byte
	UpdatedAt time.Time
	CachedAt  time.Time
}

// Fresh reports whether the artifact is within ttl of now, per spec
// §3's freshness invariant: fresh iff now − cached_at ≤ ttl.
func (a Artifact) Fresh(now time.Time, ttl time.Duration) bool {
	return !a.CachedAt.IsZero() && now.Sub(a.CachedAt) <= ttl
}

type listingEntry struct {
	entries  []jiraissue.Ref
	cachedAt time.Time
	cursor   string
}

// FetchFunc retrieves and renders the current content for an issue
// key. It is supplied by the caller (the sync engine); the cache
// itself has no knowledge of the remote tracker or the renderer.
type FetchFunc func(ctx context.Context) (Artifact, error)

// Cache is the process-wide memory cache. It transparently hydrates
// from the persistent store on miss; Store may be nil for a
// store-less (pure in-memory) configuration such as unit tests.
type Cache struct {
	store  *issuestore.Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	listingsMu sync.Mutex
	listings   map[string]listingEntry

	artifactsMu sync.Mutex
	artifacts   map[jiraissue.Key]Artifact

	group singleflight.Group

	staleServedCount int64
	staleMu          sync.Mutex
}

// Config configures a new Cache.
type Config struct {
	Store  *issuestore.Store
	Clock  clock.Clock
	TTL    time.Duration
	Logger *slog.Logger
}

// New creates a Cache per cfg.
func New(cfg Config) *Cache {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:     cfg.Store,
		clock:     clk,
		ttl:       cfg.TTL,
		logger:    logger,
		listings:  make(map[string]listingEntry),
		artifacts: make(map[jiraissue.Key]Artifact),
	}
}

// degradedMiss recovers a panic inside a cache operation (spec §7's
// "lock poisoning" failure mode, re-expressed for Go: a panic inside a
// critical section is treated as a miss for the affected key rather
// than crashing the process) and logs it.
func (c *Cache) degradedMiss(op string) {
	if r := recover(); r != nil {
		c.logger.Error("synccache: recovered panic, degrading to miss", "op", op, "panic", r)
	}
}

// GetListing returns the workspace's current entries, if any,
// regardless of freshness: staleness is a signal to the sync engine,
// never an error to the caller, per spec §4.2.
func (c *Cache) GetListing(workspace string) (entries []jiraissue.Ref, cursor string, ok bool) {
	defer c.degradedMiss("GetListing")
	c.listingsMu.Lock()
	defer c.listingsMu.Unlock()

	entry, present := c.listings[workspace]
	if !present {
		return nil, "", false
	}
	out := make([]jiraissue.Ref, len(entry.entries))
	copy(out, entry.entries)
	return out, entry.cursor, true
}

// PutListing write-throughs the workspace's listing to the persistent
// store, then updates memory. Per spec §4.2, the two updates are not
// required to be atomic with respect to crash recovery, but memory is
// only updated after the store write succeeds.
func (c *Cache) PutListing(ctx context.Context, workspace string, entries []jiraissue.Ref, cursor string) error {
	if c.store != nil {
		if err := c.store.PutListing(ctx, workspace, entries); err != nil {
			return fmt.Errorf("synccache: persisting listing for %q: %w", workspace, err)
		}
		if cursor != "" {
			if err := c.store.SetCursor(ctx, workspace, cursor); err != nil {
				return fmt.Errorf("synccache: persisting cursor for %q: %w", workspace, err)
			}
		}
	}

	defer c.degradedMiss("PutListing")
	c.listingsMu.Lock()
	defer c.listingsMu.Unlock()

	out := make([]jiraissue.Ref, len(entries))
	copy(out, entries)
	c.listings[workspace] = listingEntry{entries: out, cachedAt: c.clock.Now(), cursor: cursor}
	return nil
}

// HydrateListing populates the in-memory listing for workspace from a
// value already known to be durable (the persistent store), without
// re-issuing the store write PutListing performs. Used by the sync
// engine's warm-start path (spec §4.3): listings loaded from the store
// at mount are already on disk, so only the memory tier needs filling.
func (c *Cache) HydrateListing(workspace string, entries []jiraissue.Ref, cursor string) {
	defer c.degradedMiss("HydrateListing")
	c.listingsMu.Lock()
	defer c.listingsMu.Unlock()

	out := make([]jiraissue.Ref, len(entries))
	copy(out, entries)
	c.listings[workspace] = listingEntry{entries: out, cachedAt: c.clock.Now(), cursor: cursor}
}

// GetOrHydrateArtifact returns the cached artifact for key if present
// in memory; otherwise it attempts a synchronous load from the
// persistent store, updating memory on a hit. ok is false only when
// neither memory nor the store has the artifact.
func (c *Cache) GetOrHydrateArtifact(ctx context.Context, key jiraissue.Key) (artifact Artifact, ok bool, err error) {
	if a, present := c.memoryArtifact(key); present {
		return a, true, nil
	}

	if c.store == nil {
		return Artifact{}, false, nil
	}

	row, present, err := c.store.GetIssue(ctx, key)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("synccache: hydrating %s from store: %w", key, err)
	}
	if !present {
		return Artifact{}, false, nil
	}

	a := Artifact{Markdown: row.Markdown, UpdatedAt: row.UpdatedAt, CachedAt: row.CachedAt}
	if sidecar, _, sidecarOK, err := c.store.GetSidecar(ctx, key); err == nil && sidecarOK {
		a.Sidecar = sidecar
	}

	c.setMemoryArtifact(key, a)
	return a, true, nil
}

func (c *Cache) memoryArtifact(key jiraissue.Key) (artifact Artifact, ok bool) {
	defer c.degradedMiss("memoryArtifact")
	c.artifactsMu.Lock()
	defer c.artifactsMu.Unlock()
	a, present := c.artifacts[key]
	return a, present
}

func (c *Cache) setMemoryArtifact(key jiraissue.Key, a Artifact) {
	defer c.degradedMiss("setMemoryArtifact")
	c.artifactsMu.Lock()
	defer c.artifactsMu.Unlock()
	c.artifacts[key] = a
}

// PutArtifact write-throughs a newly rendered artifact. The in-memory
// entry is always replaced with the given markdown, sidecar and
// updatedAt, with cachedAt set to now; an updatedAt equal to the
// existing entry's does not keep the earlier markdown or sidecar.
func (c *Cache) PutArtifact(ctx context.Context, key jiraissue.Key, markdown, sidecar []byte, updatedAt time.Time) error {
	now := c.clock.Now()

	if c.store != nil {
		if err := c.store.UpsertIssue(ctx, key, markdown, updatedAt); err != nil {
			return fmt.Errorf("synccache: persisting artifact %s: %w", key, err)
		}
		if sidecar != nil {
			if err := c.store.UpsertSidecar(ctx, key, sidecar, updatedAt); err != nil {
				return fmt.Errorf("synccache: persisting sidecar %s: %w", key, err)
			}
		}
	}

	c.setMemoryArtifact(key, Artifact{Markdown: markdown, Sidecar: sidecar, UpdatedAt: updatedAt, CachedAt: now})
	return nil
}

// FetchArtifactCoalesced performs the single-flight, stale-safe fetch
// described in spec §4.2: at most one in-flight fetch per key; a
// failure falls back to any prior cached value (memory or store)
// rather than propagating the error, provided a prior value exists.
func (c *Cache) FetchArtifactCoalesced(ctx context.Context, key jiraissue.Key, fetch FetchFunc) (Artifact, error) {
	result, err, _ := c.group.Do(string(key), func() (any, error) {
		artifact, fetchErr := fetch(ctx)
		if fetchErr != nil {
			if prior, ok, hydrateErr := c.GetOrHydrateArtifact(ctx, key); hydrateErr == nil && ok {
				c.recordStaleServed()
				return prior, nil
			}
			return Artifact{}, fetchErr
		}

		if err := c.PutArtifact(ctx, key, artifact.Markdown, artifact.Sidecar, artifact.UpdatedAt); err != nil {
			c.logger.Error("synccache: write-through failed after fetch", "key", key, "error", err)
		}
		return artifact, nil
	})
	if err != nil {
		return Artifact{}, err
	}
	return result.(Artifact), nil
}

func (c *Cache) recordStaleServed() {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	c.staleServedCount++
}

// StaleServedCount returns the number of times a stale artifact was
// returned in place of a failed fetch.
func (c *Cache) StaleServedCount() int64 {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	return c.staleServedCount
}

// Len returns the number of cached issue artifacts. Exposed per
// SPEC_FULL's open-question resolution: no eviction ships, but a
// future capacity bound has a place to attach.
func (c *Cache) Len() int {
	defer c.degradedMiss("Len")
	c.artifactsMu.Lock()
	defer c.artifactsMu.Unlock()
	return len(c.artifacts)
}

// TTL returns the configured issue-artifact TTL.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
