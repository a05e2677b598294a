// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"hash/fnv"

	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

// NodeKind tags the closed variant of logical filesystem node
// identities described in spec §4.1: Root | SyncMetaDir |
// SyncMetaFile(kind) | WorkspacesDir | Workspace(name) |
// Issue(workspace, key, kind).
type NodeKind uint8

const (
	KindRoot NodeKind = iota
	KindSyncMetaDir
	KindSyncMetaFile
	KindWorkspacesDir
	KindWorkspace
	KindIssue
)

// SyncMetaFileKind enumerates the fixed set of files under
// .sync_meta/.
type SyncMetaFileKind uint8

const (
	MetaLastSync SyncMetaFileKind = iota
	MetaLastFullSync
	MetaSecondsToNextSync
	MetaSyncInProgress
	MetaManualRefresh
	MetaFullRefresh
)

func (k SyncMetaFileKind) String() string {
	switch k {
	case MetaLastSync:
		return "last_sync"
	case MetaLastFullSync:
		return "last_full_sync"
	case MetaSecondsToNextSync:
		return "seconds_to_next_sync"
	case MetaSyncInProgress:
		return "sync_in_progress"
	case MetaManualRefresh:
		return "manual_refresh"
	case MetaFullRefresh:
		return "full_refresh"
	default:
		return "unknown"
	}
}

// syncMetaFiles lists the fixed set of .sync_meta entries, in the
// order spec §4.1's namespace diagram presents them.
var syncMetaFiles = []SyncMetaFileKind{
	MetaLastSync,
	MetaLastFullSync,
	MetaSecondsToNextSync,
	MetaSyncInProgress,
	MetaManualRefresh,
	MetaFullRefresh,
}

// isTrigger reports whether kind is a write-only trigger rather
// than a read-only scalar.
func (k SyncMetaFileKind) isTrigger() bool {
	return k == MetaManualRefresh || k == MetaFullRefresh
}

// IssueFileKind distinguishes an issue's rendered main document from
// its optional overflow-comments sidecar.
type IssueFileKind uint8

const (
	IssueMain IssueFileKind = iota
	IssueComments
)

// rootInode is the fixed inode number for the mount root, matching
// go-fuse's own convention (and spec §4.1's "Root is inode 1").
const rootInode = 1

// stableInode computes a deterministic, namespace-tagged FNV-1a hash
// over parts, used as every non-root node's stable inode number.
// Grounded on original_source/src/fs.rs's namespace_hash: instead of
// a monotonic allocator keyed by visit order, inode identity is a
// pure function of logical path, so two mounts of the same state
// assign the same numbers.
func stableInode(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == rootInode {
		// Avoid colliding with the reserved root inode; vanishingly
		// unlikely, but a single re-hash keeps the invariant exact.
		h.Write([]byte{0xff})
		sum = h.Sum64()
	}
	return sum
}

func syncMetaDirInode() uint64 {
	return stableInode("sync_meta")
}

func syncMetaFileInode(kind SyncMetaFileKind) uint64 {
	return stableInode("sync_meta", kind.String())
}

func workspacesDirInode() uint64 {
	return stableInode("workspaces")
}

func workspaceInode(name string) uint64 {
	return stableInode("workspaces", name)
}

func issueInode(workspace string, key jiraissue.Key, kind IssueFileKind) uint64 {
	suffix := "main"
	if kind == IssueComments {
		suffix = "comments"
	}
	return stableInode("workspaces", workspace, string(key), suffix)
}
