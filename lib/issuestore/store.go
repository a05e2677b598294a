// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package issuestore implements the persistent, embedded store backing
// the memory cache: rendered issue documents, comment sidecars,
// workspace listings, and per-workspace sync cursors survive process
// restarts here.
package issuestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/codec"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
	"github.com/kadencartwright/jirafs/lib/sqlitepool"
)

// Store is the embedded row-oriented store described in spec §4.3: the
// four logical tables issues, issue_sidecars, workspace_listings, and
// sync_cursor, backed by a pooled SQLite connection.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Use ":memory:" in tests.
	Path string

	// PoolSize is the number of pooled connections. Zero uses
	// sqlitepool's default, max(runtime.NumCPU(), 4).
	PoolSize int

	// Clock provides the current time for cached_at bookkeeping.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a discard
	// logger if nil.
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	issue_key    TEXT PRIMARY KEY,
	markdown     BLOB NOT NULL,
	updated      TEXT NOT NULL,
	cached_at    TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS issue_sidecars (
	issue_key   TEXT PRIMARY KEY,
	comments_md BLOB NOT NULL,
	updated     TEXT NOT NULL,
	cached_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_listings (
	workspace    TEXT PRIMARY KEY,
	entries_json BLOB NOT NULL,
	cached_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	workspace TEXT PRIMARY KEY,
	last_sync TEXT NOT NULL
);
`

// Open opens (creating if absent) the store at cfg.Path and applies
// its additive schema. Migrations only ever add tables/columns; there
// are no destructive downgrades.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("issuestore: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("issuestore: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("issuestore: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertIssue writes the rendered document for key. Writing identical
// content for an unchanged updatedAt leaves markdown and updated as
// they were and keeps a single row; only cached_at moves to the
// current time.
func (s *Store) UpsertIssue(ctx context.Context, key jiraissue.Key, markdown []byte, updatedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO issues (issue_key, markdown, updated, cached_at, access_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(issue_key) DO UPDATE SET
			markdown = excluded.markdown,
			updated = excluded.updated,
			cached_at = excluded.cached_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(key), markdown, formatTime(updatedAt), formatTime(s.clock.Now())},
		})
}

// UpsertSidecar writes the overflow-comments document for key.
func (s *Store) UpsertSidecar(ctx context.Context, key jiraissue.Key, commentsMD []byte, updatedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO issue_sidecars (issue_key, comments_md, updated, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			comments_md = excluded.comments_md,
			updated = excluded.updated,
			cached_at = excluded.cached_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(key), commentsMD, formatTime(updatedAt), formatTime(s.clock.Now())},
		})
}

// IssueRow is one row read back from the issues table.
type IssueRow struct {
	Markdown  []byte
	UpdatedAt time.Time
	CachedAt  time.Time
}

// readBlobColumn reads a variable-length BLOB column. Unlike a
// fixed-size field (where the destination is pre-sized), we don't know
// the row's markdown length ahead of time, so we size the buffer from
// ColumnLen first.
func readBlobColumn(stmt *sqlite.Stmt, column int) []byte {
	buf := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, buf)
	return buf
}

// GetIssue reads the stored document for key, incrementing its access
// counter. ok is false when no row exists.
func (s *Store) GetIssue(ctx context.Context, key jiraissue.Key) (row IssueRow, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return IssueRow{}, false, err
	}
	defer s.pool.Put(conn)

	// Columns: markdown(0), updated(1), cached_at(2)
	err = sqlitex.Execute(conn, `SELECT markdown, updated, cached_at FROM issues WHERE issue_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(key)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ok = true
				row.Markdown = readBlobColumn(stmt, 0)
				row.UpdatedAt, err = parseTime(stmt.ColumnText(1))
				if err != nil {
					return err
				}
				row.CachedAt, err = parseTime(stmt.ColumnText(2))
				return err
			},
		})
	if err != nil {
		return IssueRow{}, false, err
	}
	if !ok {
		return IssueRow{}, false, nil
	}

	if incErr := sqlitex.Execute(conn, `UPDATE issues SET access_count = access_count + 1 WHERE issue_key = ?`,
		&sqlitex.ExecOptions{Args: []any{string(key)}}); incErr != nil {
		s.logger.Warn("issuestore: access count increment failed", "key", key, "error", incErr)
	}

	return row, true, nil
}

// GetSidecar reads the overflow-comments document for key.
func (s *Store) GetSidecar(ctx context.Context, key jiraissue.Key) (commentsMD []byte, updatedAt time.Time, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	defer s.pool.Put(conn)

	// Columns: comments_md(0), updated(1)
	err = sqlitex.Execute(conn, `SELECT comments_md, updated FROM issue_sidecars WHERE issue_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(key)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ok = true
				commentsMD = readBlobColumn(stmt, 0)
				updatedAt, err = parseTime(stmt.ColumnText(1))
				return err
			},
		})
	return commentsMD, updatedAt, ok, err
}

// listingEnvelope is the CBOR-encoded payload of workspace_listings'
// entries_json column. The column name reflects the logical shape
// (a JSON-like array of references); the physical encoding is CBOR,
// matching the rest of the codebase's deterministic-encoding
// convention rather than encoding/json.
type listingEnvelope struct {
	Entries []jiraissue.Ref `cbor:"entries"`
}

// PutListing writes the workspace's listing snapshot.
func (s *Store) PutListing(ctx context.Context, workspace string, entries []jiraissue.Ref) error {
	data, err := codec.Marshal(listingEnvelope{Entries: entries})
	if err != nil {
		return fmt.Errorf("issuestore: encoding listing for %q: %w", workspace, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO workspace_listings (workspace, entries_json, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			entries_json = excluded.entries_json,
			cached_at = excluded.cached_at`,
		&sqlitex.ExecOptions{
			Args: []any{workspace, data, formatTime(s.clock.Now())},
		})
}

// GetListing reads the workspace's listing snapshot.
func (s *Store) GetListing(ctx context.Context, workspace string) (entries []jiraissue.Ref, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var data []byte
	err = sqlitex.Execute(conn, `SELECT entries_json FROM workspace_listings WHERE workspace = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspace},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ok = true
				data = readBlobColumn(stmt, 0)
				return nil
			},
		})
	if err != nil || !ok {
		return nil, ok, err
	}

	var envelope listingEnvelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, false, fmt.Errorf("issuestore: decoding listing for %q: %w", workspace, err)
	}
	return envelope.Entries, true, nil
}

// SetCursor advances workspace's sync cursor.
func (s *Store) SetCursor(ctx context.Context, workspace, cursor string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO sync_cursor (workspace, last_sync)
		VALUES (?, ?)
		ON CONFLICT(workspace) DO UPDATE SET last_sync = excluded.last_sync`,
		&sqlitex.ExecOptions{Args: []any{workspace, cursor}})
}

// GetCursor reads workspace's sync cursor. ok is false when the
// workspace has never completed a sync round.
func (s *Store) GetCursor(ctx context.Context, workspace string) (cursor string, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT last_sync FROM sync_cursor WHERE workspace = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspace},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ok = true
				cursor = stmt.ColumnText(0)
				return nil
			},
		})
	return cursor, ok, err
}

// WarmStart bulk-loads listings and cursors for every configured
// workspace, per spec §4.3's warm-start contract. Issue artifacts are
// deliberately not preloaded here; they hydrate lazily on first
// access.
type WarmStartResult struct {
	Listings map[string][]jiraissue.Ref
	Cursors  map[string]string
}

func (s *Store) WarmStart(ctx context.Context, workspaces []string) (WarmStartResult, error) {
	result := WarmStartResult{
		Listings: make(map[string][]jiraissue.Ref, len(workspaces)),
		Cursors:  make(map[string]string, len(workspaces)),
	}
	for _, workspace := range workspaces {
		if entries, ok, err := s.GetListing(ctx, workspace); err != nil {
			return WarmStartResult{}, fmt.Errorf("issuestore: warm start %q: %w", workspace, err)
		} else if ok {
			result.Listings[workspace] = entries
		}
		if cursor, ok, err := s.GetCursor(ctx, workspace); err != nil {
			return WarmStartResult{}, fmt.Errorf("issuestore: warm start %q: %w", workspace, err)
		} else if ok {
			result.Cursors[workspace] = cursor
		}
	}
	return result, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
