// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse implements the read-only filesystem surface described
// in spec §4.1: a root with .sync_meta/ and workspaces/ subtrees,
// backed by the memory cache and sync engine. Grounded on the
// teacher's lib/artifact/fuse and lib/artifactstore/fuse mount
// packages: the rootNode.OnAdd/NewPersistentInode/AddChild wiring,
// the sliceDirStream helper, and the Lookup/Readdir/Open/Read
// implementation shape all follow that idiom; this package differs
// from the teacher mainly in serving everything read-only except two
// write-trigger files.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/kadencartwright/jirafs/lib/clock"
	"github.com/kadencartwright/jirafs/lib/jiraissue"
	"github.com/kadencartwright/jirafs/lib/synccache"
	"github.com/kadencartwright/jirafs/lib/syncengine"
)

// issueFileName matches "<ISSUE-KEY>.md" or "<ISSUE-KEY>.comments.md"
// entries within a workspace directory, per spec §6's key grammar
// `[A-Z][A-Z0-9_]+-[0-9]+`.
var issueFileName = regexp.MustCompile(`^([A-Z][A-Z0-9_]+-[0-9]+)(\.comments)?\.md$`)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Cache serves issue artifacts and workspace listings. Never
	// performs remote I/O itself.
	Cache *synccache.Cache

	// Controller exposes sync status and trigger posting to the
	// filesystem's control files.
	Controller syncengine.Controller

	// Clock provides time for attribute timestamps. Defaults to
	// clock.Real().
	Clock clock.Clock

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger
}

// Mount mounts the jirafs filesystem at the configured mountpoint.
// The caller must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if options.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "jirafs",
			Name:       "jirafs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("jirafs mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode is the filesystem root: ".sync_meta" and "workspaces".
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	syncMeta := r.NewPersistentInode(ctx, &syncMetaDirNode{options: r.options},
		gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: syncMetaDirInode()})
	r.AddChild(".sync_meta", syncMeta, true)

	workspaces := r.NewPersistentInode(ctx, &workspacesDirNode{options: r.options},
		gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: workspacesDirInode()})
	r.AddChild("workspaces", workspaces, true)
}

// syncMetaDirNode is the ".sync_meta/" directory: four read-only
// scalar files and two write-only triggers.
type syncMetaDirNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*syncMetaDirNode)(nil)
var _ gofuse.NodeLookuper = (*syncMetaDirNode)(nil)
var _ gofuse.NodeReaddirer = (*syncMetaDirNode)(nil)

func (d *syncMetaDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	for _, kind := range syncMetaFiles {
		if kind.String() != name {
			continue
		}
		if kind.isTrigger() {
			node := &triggerNode{options: d.options, kind: kind}
			child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: syncMetaFileInode(kind)})
			out.Mode = syscall.S_IFREG | 0o200
			return child, 0
		}
		node := &scalarNode{options: d.options, kind: kind}
		child := d.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: syncMetaFileInode(kind)})
		out.Mode = syscall.S_IFREG | 0o444
		out.Size = uint64(len(node.content()))
		return child, 0
	}
	return nil, syscall.ENOENT
}

func (d *syncMetaDirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(syncMetaFiles))
	for _, kind := range syncMetaFiles {
		mode := uint32(syscall.S_IFREG)
		entries = append(entries, fuse.DirEntry{Name: kind.String(), Mode: mode, Ino: syncMetaFileInode(kind)})
	}
	return &sliceDirStream{entries: entries}, 0
}

// workspacesDirNode is the "workspaces/" directory, listing the
// configured workspace names.
type workspacesDirNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*workspacesDirNode)(nil)
var _ gofuse.NodeLookuper = (*workspacesDirNode)(nil)
var _ gofuse.NodeReaddirer = (*workspacesDirNode)(nil)

func (w *workspacesDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	for _, ws := range w.options.Controller.GetWorkspaces() {
		if ws.Name != name {
			continue
		}
		node := &workspaceNode{options: w.options, name: ws.Name}
		child := w.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: workspaceInode(ws.Name)})
		out.Mode = syscall.S_IFDIR | 0o555
		return child, 0
	}
	return nil, syscall.ENOENT
}

func (w *workspacesDirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	workspaces := w.options.Controller.GetWorkspaces()
	entries := make([]fuse.DirEntry, 0, len(workspaces))
	for _, ws := range workspaces {
		entries = append(entries, fuse.DirEntry{Name: ws.Name, Mode: syscall.S_IFDIR, Ino: workspaceInode(ws.Name)})
	}
	return &sliceDirStream{entries: entries}, 0
}

// workspaceNode is one "workspaces/<name>/" directory. Readdir
// synthesizes entries from the listing snapshot taken at opendir
// time (spec §4.1's readdir semantics); Lookup hydrates lazily from
// the cache, never blocking on remote I/O.
type workspaceNode struct {
	gofuse.Inode
	options *Options
	name    string
}

var _ gofuse.InodeEmbedder = (*workspaceNode)(nil)
var _ gofuse.NodeLookuper = (*workspaceNode)(nil)
var _ gofuse.NodeReaddirer = (*workspaceNode)(nil)

func (w *workspaceNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	match := issueFileName.FindStringSubmatch(name)
	if match == nil {
		return nil, syscall.ENOENT
	}
	key := jiraissue.Key(match[1])
	kind := IssueMain
	if match[2] != "" {
		kind = IssueComments
	}

	artifact, ok, err := w.options.Cache.GetOrHydrateArtifact(ctx, key)
	if err != nil {
		w.options.Logger.Error("jirafs: hydrate failed", "key", key, "error", err)
		return nil, syscall.EIO
	}
	if !ok {
		w.options.Controller.TriggerSync(syncengine.TriggerManual)
		return nil, syscall.ENOENT
	}
	if kind == IssueComments && len(artifact.Sidecar) == 0 {
		return nil, syscall.ENOENT
	}

	node := &issueFileNode{options: w.options, workspace: w.name, key: key, kind: kind}
	child := w.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: issueInode(w.name, key, kind)})
	out.Mode = syscall.S_IFREG | 0o555
	out.Size = uint64(node.size(artifact))
	out.Mtime = uint64(artifact.UpdatedAt.Unix())
	return child, 0
}

func (w *workspaceNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	refs, _, _ := w.options.Cache.GetListing(w.name)

	entries := make([]fuse.DirEntry, 0, len(refs)*2)
	for _, ref := range refs {
		entries = append(entries, fuse.DirEntry{
			Name: string(ref.Key) + ".md",
			Mode: syscall.S_IFREG,
			Ino:  issueInode(w.name, ref.Key, IssueMain),
		})

		if artifact, ok, _ := w.options.Cache.GetOrHydrateArtifact(ctx, ref.Key); ok && len(artifact.Sidecar) > 0 {
			entries = append(entries, fuse.DirEntry{
				Name: string(ref.Key) + ".comments.md",
				Mode: syscall.S_IFREG,
				Ino:  issueInode(w.name, ref.Key, IssueComments),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &sliceDirStream{entries: entries}, 0
}

// issueFileNode is a single rendered "<KEY>.md" or
// "<KEY>.comments.md" file. Strictly read-only.
type issueFileNode struct {
	gofuse.Inode
	options   *Options
	workspace string
	key       jiraissue.Key
	kind      IssueFileKind
}

var _ gofuse.InodeEmbedder = (*issueFileNode)(nil)
var _ gofuse.NodeGetattrer = (*issueFileNode)(nil)
var _ gofuse.NodeOpener = (*issueFileNode)(nil)
var _ gofuse.NodeReader = (*issueFileNode)(nil)

func (n *issueFileNode) size(artifact synccache.Artifact) int {
	if n.kind == IssueComments {
		return len(artifact.Sidecar)
	}
	return len(artifact.Markdown)
}

func (n *issueFileNode) bytes(artifact synccache.Artifact) []byte {
	if n.kind == IssueComments {
		return artifact.Sidecar
	}
	return artifact.Markdown
}

func (n *issueFileNode) load(ctx context.Context) (synccache.Artifact, syscall.Errno) {
	artifact, ok, err := n.options.Cache.GetOrHydrateArtifact(ctx, n.key)
	if err != nil {
		return synccache.Artifact{}, syscall.EIO
	}
	if !ok {
		n.options.Controller.TriggerSync(syncengine.TriggerManual)
		return synccache.Artifact{}, syscall.EIO
	}
	return artifact, 0
}

func (n *issueFileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	artifact, errno := n.load(ctx)
	if errno != 0 {
		return errno
	}
	out.Mode = syscall.S_IFREG | 0o555
	out.Size = uint64(n.size(artifact))
	out.Mtime = uint64(artifact.UpdatedAt.Unix())
	return 0
}

func (n *issueFileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *issueFileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	artifact, errno := n.load(ctx)
	if errno != 0 {
		return nil, errno
	}
	content := n.bytes(artifact)
	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData(content[off:end]), 0
}

// sliceDirStream implements gofuse.DirStream from a slice of entries,
// giving readdir the stable-snapshot-per-opendir semantics spec §4.1
// requires: the slice is built once, at Readdir time, and walked
// thereafter without re-querying live state.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}

// scalarContent renders a sync-meta scalar's fixed text format, per
// spec §4.1's fixed content formats.
func scalarContent(kind SyncMetaFileKind, status syncengine.Status) []byte {
	switch kind {
	case MetaLastSync:
		if status.LastSync == nil {
			return []byte("never\n")
		}
		return []byte(status.LastSync.UTC().Format(time.RFC3339) + "\n")
	case MetaLastFullSync:
		if status.LastFullSync == nil {
			return []byte("never\n")
		}
		return []byte(status.LastFullSync.UTC().Format(time.RFC3339) + "\n")
	case MetaSecondsToNextSync:
		return []byte(strconv.Itoa(status.SecondsToNextSync) + "\n")
	case MetaSyncInProgress:
		if status.SyncInProgress {
			return []byte("1\n")
		}
		return []byte("0\n")
	default:
		return nil
	}
}

