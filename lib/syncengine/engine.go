// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine implements the periodic and on-demand workspace
// refresh loop described in spec §4.4: per-workspace incremental
// cursors, bounded concurrency, and rate-limit-aware retries.
//
// The engine is a message-loop actor, grounded on the teacher's
// general concurrency idiom of a single owning goroutine draining a
// typed channel (see lib/cron and cmd/bureau-daemon's supervisors for
// the same shape). The bounded fetch pool uses a buffered channel as
// a semaphore, the idiomatic Go substitute for
// original_source/src/jira.rs's condvar-based Limiter.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/issuestore"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
	"github.com/kadencartwright/jirafs/lib/jiratracker"
	"github.com/kadencartwright/jirafs/lib/render"
	"github.com/kadencartwright/jirafs/lib/synccache"
)

// State is the sync state machine's current node, per spec §4.4:
// Stopped → Running → Syncing → Running|Degraded → … → Stopped.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateSyncing  State = "syncing"
	StateDegraded State = "degraded"
)

// TriggerKind distinguishes a manual incremental resync from a full
// resync (cursor reset).
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerFull   TriggerKind = "full"
)

// TriggerReason is returned from TriggerSync per spec §6's
// trigger_sync contract.
type TriggerReason string

const (
	ReasonAccepted           TriggerReason = "accepted"
	ReasonAlreadySyncing     TriggerReason = "already_syncing"
	ReasonServiceNotRunning  TriggerReason = "service_not_running"
	ReasonMountUnavailable   TriggerReason = "mountpoint_unavailable"
	ReasonTriggerWriteFailed TriggerReason = "trigger_write_failed"
)

// Workspace is one configured workspace: a name and a JQL-like query.
type Workspace struct {
	Name  string
	Query string
}

// Status is the get_status() response shape from spec §6.
type Status struct {
	SyncState         State
	LastSync          *time.Time
	LastFullSync      *time.Time
	SecondsToNextSync int
	SyncInProgress    bool
	Errors            []string
}

// Controller is the control-panel surface spec §6 names:
// get_status, trigger_sync, get_workspaces, save_workspaces.
type Controller interface {
	GetStatus() Status
	TriggerSync(kind TriggerKind) (accepted bool, reason TriggerReason)
	GetWorkspaces() []Workspace
	SaveWorkspaces(ctx context.Context, workspaces []Workspace) error
}

// Tracker is the remote capability the engine depends on: listing by
// query with pagination, and fetching one issue by key. Satisfied by
// *jiratracker.Client; an interface here keeps the engine testable
// without a live HTTP server.
type Tracker interface {
	FetchIssue(ctx context.Context, key jiraissue.Key) (jiraissue.Issue, error)
	ListByQuery(query string) *jiratracker.PageIterator
}

type message any

type tickMsg struct{}

type manualResyncMsg struct{}

type fullResyncMsg struct{}

type shutdownMsg struct{ done chan struct{} }

type saveWorkspacesMsg struct {
	workspaces []Workspace
	done       chan error
}

// Config configures a new Engine.
type Config struct {
	Workspaces           []Workspace
	Tracker              Tracker
	Cache                *synccache.Cache
	Store                *issuestore.Store
	Clock                clock.Clock
	Logger               *slog.Logger
	IntervalSeconds      int
	Budget               int
	MaxConcurrentFetches int
	RenderConfig         render.Config
}

// Engine drives the sync loop described in spec §4.4.
type Engine struct {
	tracker   Tracker
	cache     *synccache.Cache
	store     *issuestore.Store
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	budget    int
	maxConc   int
	renderCfg render.Config

	messages chan message

	mu         sync.Mutex
	workspaces []Workspace
	state      State
	lastSync   *time.Time
	lastFull   *time.Time
	errors     []string

	ticksTotal             atomic.Int64
	issuesFetchedTotal     atomic.Int64
	workspaceDegradedTotal atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
}

// New constructs an Engine. Call Run to start its goroutine.
func New(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	maxConc := cfg.MaxConcurrentFetches
	if maxConc <= 0 {
		maxConc = 1
	}

	workspaces := make([]Workspace, len(cfg.Workspaces))
	copy(workspaces, cfg.Workspaces)

	return &Engine{
		tracker:    cfg.Tracker,
		cache:      cfg.Cache,
		store:      cfg.Store,
		clock:      clk,
		logger:     logger,
		interval:   interval,
		budget:     cfg.Budget,
		maxConc:    maxConc,
		renderCfg:  cfg.RenderConfig,
		messages:   make(chan message, 16),
		workspaces: workspaces,
		state:      StateStopped,
	}
}

// Run performs the warm-start bulk hydrate (spec §4.3: listings and
// cursors for every configured workspace are loaded from the
// persistent store before the first tick; issue artifacts are left to
// hydrate lazily on first access) and starts the engine's message loop
// and periodic ticker. It returns once the loop goroutine has started;
// call Shutdown to stop it.
func (e *Engine) Run(ctx context.Context) {
	e.warmStart(ctx)
	e.setState(StateRunning)

	// The ticker stops as soon as the message loop exits, whether
	// through Shutdown or through ctx.
	tickCtx, stopTicks := context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer stopTicks()
		e.run(ctx)
	}()

	e.wg.Add(1)
	go e.tickLoop(tickCtx)
}

// warmStart bulk-loads listings and cursors for every configured
// workspace into the memory cache. A store error degrades to an empty
// warm start (spec §7: store errors degrade the affected operation to
// memory-only) rather than preventing mount; the next tick repopulates
// everything from the remote tracker.
func (e *Engine) warmStart(ctx context.Context) {
	if e.store == nil {
		return
	}

	result, err := e.store.WarmStart(ctx, e.workspaceNames())
	if err != nil {
		e.logger.Error("syncengine: warm start failed, continuing with empty cache", "error", err)
		return
	}

	for name, entries := range result.Listings {
		e.cache.HydrateListing(name, entries, result.Cursors[name])
	}
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.messages <- tickMsg{}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return
		case msg := <-e.messages:
			switch m := msg.(type) {
			case tickMsg:
				e.runTick(ctx, nil)
			case manualResyncMsg:
				e.runTick(ctx, nil)
			case fullResyncMsg:
				e.runTick(ctx, e.workspaceNames())
			case saveWorkspacesMsg:
				m.done <- e.validateAndSaveWorkspaces(ctx, m.workspaces)
			case shutdownMsg:
				e.setState(StateStopped)
				close(m.done)
				return
			}
		}
	}
}

// Shutdown stops the engine's goroutines and waits for them to exit.
func (e *Engine) Shutdown() {
	e.once.Do(func() {
		exited := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(exited)
		}()
		select {
		case e.messages <- shutdownMsg{done: make(chan struct{})}:
		case <-exited:
		}
		<-exited
	})
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Engine) workspaceNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.workspaces))
	for i, w := range e.workspaces {
		names[i] = w.Name
	}
	return names
}

// runTick executes one sync round across all configured workspaces.
// fullResyncFor names workspaces whose cursor should be reset before
// this round (spec §4.4 scenario 6: full resync).
//
// Per spec §4.4 step 3, workspaces are synced in sequence; concurrency
// is bounded inside one workspace's issue fetches by maxConc. budget
// is a single counter shared by every workspace in this tick (spec
// §4.4 Budget: "a global per-tick limit on the number of individual
// issue fetches"), not reset per workspace.
func (e *Engine) runTick(ctx context.Context, fullResyncFor []string) {
	e.ticksTotal.Add(1)
	e.setState(StateSyncing)

	full := make(map[string]bool, len(fullResyncFor))
	for _, name := range fullResyncFor {
		full[name] = true
	}

	e.mu.Lock()
	workspaces := make([]Workspace, len(e.workspaces))
	copy(workspaces, e.workspaces)
	e.mu.Unlock()

	budget := new(atomic.Int64)
	budget.Store(int64(e.budget))

	var degradedErrors []string

	for _, ws := range workspaces {
		if err := e.syncWorkspace(ctx, ws, full[ws.Name], budget); err != nil {
			e.workspaceDegradedTotal.Add(1)
			degradedErrors = append(degradedErrors, fmt.Sprintf("%s: %v", ws.Name, err))
			e.logger.Warn("syncengine: workspace sync failed", "workspace", ws.Name, "error", err)
		}
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.lastSync = &now
	if len(fullResyncFor) > 0 {
		e.lastFull = &now
	}
	e.errors = degradedErrors
	if len(degradedErrors) > 0 {
		e.state = StateDegraded
	} else {
		e.state = StateRunning
	}
	e.mu.Unlock()
}

// syncWorkspace performs one workspace's sync round per spec §4.4:
// compose the effective query, paginate within budget, merge the
// listing, schedule artifact fetches for changed issues (fanned out
// across up to maxConc concurrent fetches, per spec §4.4 step 3), then
// advance the cursor on success only. budget is shared with every
// other workspace synced in this tick.
func (e *Engine) syncWorkspace(ctx context.Context, ws Workspace, resetCursor bool, budget *atomic.Int64) error {
	var cursor string
	var cursorTime time.Time
	if !resetCursor {
		if c, ok, err := e.store.GetCursor(ctx, ws.Name); err == nil && ok {
			cursor = c
			if t, perr := time.Parse(time.RFC3339Nano, c); perr == nil {
				cursorTime = t
			}
		}
	}

	query := composeQuery(ws.Query, cursor)

	refs, err := e.tracker.ListByQuery(query).Collect(ctx, e.budget)
	if err != nil {
		return fmt.Errorf("listing %q: %w", ws.Name, err)
	}

	existing, _, _ := e.cache.GetListing(ws.Name)
	merged := mergeListing(existing, refs, cursorTime)

	if err := e.cache.PutListing(ctx, ws.Name, merged, cursor); err != nil {
		return fmt.Errorf("storing listing for %q: %w", ws.Name, err)
	}

	unlimited := e.budget <= 0
	maxUpdated := cursorTime
	var maxMu sync.Mutex
	foldMax := func(t time.Time) {
		maxMu.Lock()
		if t.After(maxUpdated) {
			maxUpdated = t
		}
		maxMu.Unlock()
	}

	sem := make(chan struct{}, e.maxConc)
	var wg sync.WaitGroup
	for _, ref := range refs {
		ref := ref

		// Every returned ref folds into the cursor candidate
		// regardless of whether it needed a fetch (spec §8: cursor
		// advances to max(updated_at) among returned entries, not
		// just fetched ones).
		foldMax(ref.UpdatedAt)

		if !e.needsFetch(ctx, ref) {
			continue
		}
		if !acquireBudget(budget, unlimited) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.fetchAndRender(ctx, ref.Key); err != nil {
				e.logger.Warn("syncengine: issue fetch failed", "key", ref.Key, "error", err)
				return
			}
			e.issuesFetchedTotal.Add(1)
		}()
	}
	wg.Wait()

	cursorOut := cursor
	if !maxUpdated.IsZero() {
		cursorOut = maxUpdated.UTC().Format(time.RFC3339Nano)
	}

	if cursorOut != "" && cursorOut != cursor {
		if err := e.store.SetCursor(ctx, ws.Name, cursorOut); err != nil {
			return fmt.Errorf("advancing cursor for %q: %w", ws.Name, err)
		}
	}

	if err := e.cache.PutListing(ctx, ws.Name, merged, cursorOut); err != nil {
		return fmt.Errorf("finalizing listing for %q: %w", ws.Name, err)
	}

	return nil
}

// acquireBudget consumes one unit of the tick's shared fetch budget,
// reporting whether the caller may proceed. unlimited workspaces
// (configured budget <= 0) always proceed.
func acquireBudget(budget *atomic.Int64, unlimited bool) bool {
	if unlimited {
		return true
	}
	return budget.Add(-1) >= 0
}

// needsFetch reports whether ref's artifact must be re-fetched: it is
// absent from the cache, or its cached updated_at differs from ref's.
func (e *Engine) needsFetch(ctx context.Context, ref jiraissue.Ref) bool {
	artifact, ok, err := e.cache.GetOrHydrateArtifact(ctx, ref.Key)
	if err != nil || !ok {
		return true
	}
	return !artifact.UpdatedAt.Equal(ref.UpdatedAt)
}

func (e *Engine) fetchAndRender(ctx context.Context, key jiraissue.Key) error {
	_, err := e.cache.FetchArtifactCoalesced(ctx, key, func(ctx context.Context) (synccache.Artifact, error) {
		issue, err := e.tracker.FetchIssue(ctx, key)
		if err != nil {
			return synccache.Artifact{}, err
		}
		result := render.Render(issue, e.renderCfg)
		return synccache.Artifact{
			Markdown:  []byte(result.Markdown),
			Sidecar:   []byte(result.Sidecar),
			UpdatedAt: issue.UpdatedAt,
		}, nil
	})
	return err
}

func (e *Engine) validateAndSaveWorkspaces(ctx context.Context, workspaces []Workspace) error {
	for _, ws := range workspaces {
		if _, err := e.tracker.ListByQuery(composeQuery(ws.Query, "")).Collect(ctx, 1); err != nil {
			return fmt.Errorf("validating workspace %q: %w", ws.Name, err)
		}
	}

	e.mu.Lock()
	e.workspaces = append([]Workspace(nil), workspaces...)
	e.mu.Unlock()
	return nil
}

// composeQuery builds the effective JQL-like query per spec §4.4:
// incremental when a cursor exists, full listing otherwise.
func composeQuery(base, cursor string) string {
	if cursor == "" {
		return fmt.Sprintf("(%s) ORDER BY updated DESC", base)
	}
	return fmt.Sprintf("(%s) AND updated > %q ORDER BY updated DESC", base, cursor)
}

// mergeListing implements spec §4.4's merge policy: the returned set
// replaces entries at or above the cursor; older entries are
// retained so incremental sync never loses history. Ties at the
// cursor boundary break on the lexicographically smaller key. cursor
// is compared as a parsed time, not a formatted string, so variable
// fractional-second precision never misorders entries at the
// boundary.
func mergeListing(existing, fresh []jiraissue.Ref, cursor time.Time) []jiraissue.Ref {
	byKey := make(map[jiraissue.Key]jiraissue.Ref, len(existing)+len(fresh))

	for _, ref := range existing {
		if !cursor.IsZero() && ref.UpdatedAt.Before(cursor) {
			byKey[ref.Key] = ref
		}
	}
	for _, ref := range fresh {
		byKey[ref.Key] = ref
	}

	merged := make([]jiraissue.Ref, 0, len(byKey))
	for _, ref := range byKey {
		merged = append(merged, ref)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].UpdatedAt.Equal(merged[j].UpdatedAt) {
			return merged[i].Key < merged[j].Key
		}
		return merged[i].UpdatedAt.After(merged[j].UpdatedAt)
	})
	return merged
}

// GetStatus implements Controller.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	errs := make([]string, len(e.errors))
	copy(errs, e.errors)

	seconds := 0
	if e.lastSync != nil {
		elapsed := e.clock.Now().Sub(*e.lastSync)
		remaining := e.interval - elapsed
		if remaining > 0 {
			seconds = int(remaining.Seconds())
		}
	}

	return Status{
		SyncState:         e.state,
		LastSync:          e.lastSync,
		LastFullSync:      e.lastFull,
		SecondsToNextSync: seconds,
		SyncInProgress:    e.state == StateSyncing,
		Errors:            errs,
	}
}

// TriggerSync implements Controller. It is non-blocking: posting the
// resync message only enqueues it for the engine's own goroutine,
// which runs the tick asynchronously. This is required by spec §4.1's
// filesystem contract ("never blocks on remote I/O") since closing a
// written trigger file calls through to this method via Flush.
func (e *Engine) TriggerSync(kind TriggerKind) (bool, TriggerReason) {
	e.mu.Lock()
	alreadySyncing := e.state == StateSyncing
	e.mu.Unlock()
	if alreadySyncing {
		return false, ReasonAlreadySyncing
	}

	var msg message
	switch kind {
	case TriggerFull:
		msg = fullResyncMsg{}
	default:
		msg = manualResyncMsg{}
	}

	select {
	case e.messages <- msg:
		return true, ReasonAccepted
	default:
		return false, ReasonAlreadySyncing
	}
}

// GetWorkspaces implements Controller.
func (e *Engine) GetWorkspaces() []Workspace {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Workspace, len(e.workspaces))
	copy(out, e.workspaces)
	return out
}

// SaveWorkspaces implements Controller, validating each workspace's
// query against the tracker before persisting (spec §6's
// save_workspaces validation contract).
func (e *Engine) SaveWorkspaces(ctx context.Context, workspaces []Workspace) error {
	done := make(chan error, 1)
	e.messages <- saveWorkspacesMsg{workspaces: workspaces, done: done}
	return <-done
}

// Metrics holds the engine's plain counters, returned by
// Engine.Metrics; GetStatus does not include them.
type Metrics struct {
	TicksTotal             int64
	IssuesFetchedTotal     int64
	StaleServedTotal       int64
	WorkspaceDegradedTotal int64
}

func (e *Engine) Metrics() Metrics {
	return Metrics{
		TicksTotal:             e.ticksTotal.Load(),
		IssuesFetchedTotal:     e.issuesFetchedTotal.Load(),
		StaleServedTotal:       e.cache.StaleServedCount(),
		WorkspaceDegradedTotal: e.workspaceDegradedTotal.Load(),
	}
}
