// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kadencartwright/jirafs/lib/syncengine"
)

// triggerNode is a write-only ".sync_meta/" file (manual_refresh,
// full_refresh). Reads are rejected; writes are accepted and their
// payload discarded, and Flush posts exactly one resync message to
// the sync engine per open handle. Grounded on the teacher's
// artifact/fuse writeHandle shape (buffer-then-finalize-on-Flush),
// simplified since there is no payload to finalize here.
type triggerNode struct {
	gofuse.Inode
	options *Options
	kind    SyncMetaFileKind
}

var _ gofuse.InodeEmbedder = (*triggerNode)(nil)
var _ gofuse.NodeGetattrer = (*triggerNode)(nil)
var _ gofuse.NodeOpener = (*triggerNode)(nil)

func (t *triggerNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o200
	out.Size = 0
	return 0
}

func (t *triggerNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) == 0 {
		// Write-trigger files reject read opens, per spec §4.1.
		return nil, 0, syscall.EROFS
	}
	return &triggerHandle{options: t.options, kind: t.kind}, 0, 0
}

// triggerHandle discards its payload and posts a resync message to
// the sync engine exactly once, on Flush.
type triggerHandle struct {
	mu      sync.Mutex
	options *Options
	kind    SyncMetaFileKind
	flushed bool
}

var _ gofuse.FileWriter = (*triggerHandle)(nil)
var _ gofuse.FileFlusher = (*triggerHandle)(nil)

// Write ignores the payload and acknowledges the full write length,
// per spec §4.1's write contract for trigger files.
func (h *triggerHandle) Write(_ context.Context, data []byte, _ int64) (uint32, syscall.Errno) {
	return uint32(len(data)), 0
}

// Flush posts the resync message exactly once per handle (guarding
// against duplicate Flush calls on a dup'd file descriptor). The VFS
// write always succeeds regardless of whether the sync engine
// actually accepts the trigger (spec §4.1 scenario 5: a second
// immediate write still returns success at the VFS layer even though
// the engine reports already_syncing on the control-panel interface).
func (h *triggerHandle) Flush(_ context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flushed {
		return 0
	}
	h.flushed = true

	kind := syncengine.TriggerManual
	if h.kind == MetaFullRefresh {
		kind = syncengine.TriggerFull
	}
	h.options.Controller.TriggerSync(kind)
	return 0
}
