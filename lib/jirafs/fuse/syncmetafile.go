// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// scalarNode is a read-only ".sync_meta/" file (last_sync,
// last_full_sync, seconds_to_next_sync, sync_in_progress). Content is
// computed fresh from the controller's status on every read — these
// files are small and the underlying status query is in-memory only,
// so no caching is needed.
type scalarNode struct {
	gofuse.Inode
	options *Options
	kind    SyncMetaFileKind
}

var _ gofuse.InodeEmbedder = (*scalarNode)(nil)
var _ gofuse.NodeGetattrer = (*scalarNode)(nil)
var _ gofuse.NodeOpener = (*scalarNode)(nil)
var _ gofuse.NodeReader = (*scalarNode)(nil)

func (s *scalarNode) content() []byte {
	return scalarContent(s.kind, s.options.Controller.GetStatus())
}

func (s *scalarNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(len(s.content()))
	return 0
}

func (s *scalarNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, 0
}

func (s *scalarNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	content := s.content()
	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData(content[off:end]), 0
}
