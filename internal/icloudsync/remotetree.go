package icloudsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// downloadChunkSize is the fixed chunk size used when streaming a download
// to disk (spec.md §6).
const downloadChunkSize = 1 << 20 // 1 MiB

// RemoteTree authenticates lazily, materializes the remote drive's root and
// trash subtrees concurrently, and exposes the mutating operations the
// reconciler dispatches (spec.md §4.4, component C5).
type RemoteTree struct {
	LocalRootDir string // absolute OS path; used only for download/upload I/O
	Filter       *FilterSet
	MaxWorkers   int

	Paths *PathMap // root
	Trash *PathMap

	auth         Authenticator
	jobsDisabled *JobsDisabled

	mu            gosync.Mutex
	client        RemoteDriveClient
	authenticated bool
}

// NewRemoteTree constructs an unauthenticated RemoteTree.
func NewRemoteTree(localRootDir string, filter *FilterSet, auth Authenticator, jobsDisabled *JobsDisabled, maxWorkers int) *RemoteTree {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &RemoteTree{
		LocalRootDir: localRootDir,
		Filter:       filter,
		MaxWorkers:   maxWorkers,
		Paths:        NewPathMap(),
		Trash:        NewPathMap(),
		auth:         auth,
		jobsDisabled: jobsDisabled,
	}
}

func (t *RemoteTree) authenticate(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.authenticated {
		return nil
	}

	client, err := t.auth.Authenticate(ctx)
	if err != nil {
		t.jobsDisabled.Set()
		return &AuthError{Err: err}
	}

	t.client = client
	t.authenticated = true

	return nil
}

func (t *RemoteTree) currentClient() RemoteDriveClient {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.client
}

// Refresh authenticates lazily, clears root and trash, and walks both
// subtrees concurrently via a worker-farm over errgroup. The refresh is
// consistent iff the recomputed total file count equals
// root.file_count + trash.file_count; an inconsistent refresh is discarded
// (spec.md §4.4).
func (t *RemoteTree) Refresh(ctx context.Context) ActionResult {
	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionRefresh, RootPath, err, 0, nil)
	}

	client := t.currentClient()

	rootInfo, err := client.RootHandle(ctx)
	if err != nil {
		return t.classifyAndFail(ActionRefresh, RootPath, err, 0, nil)
	}

	trashInfo, err := client.TrashHandle(ctx)
	if err != nil {
		return t.classifyAndFail(ActionRefresh, RootPath, err, 0, nil)
	}

	root := NewPathMap()
	trash := NewPathMap()
	root.Put(RootPath, remoteFolderFromInfo(rootInfo))
	trash.Put(RootPath, remoteFolderFromInfo(trashInfo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.MaxWorkers)

	g.Go(func() error {
		return t.walkFolder(gctx, client, root, RootPath, rootInfo.Handle, g)
	})
	g.Go(func() error {
		return t.walkFolder(gctx, client, trash, RootPath, trashInfo.Handle, g)
	})

	if err := g.Wait(); err != nil {
		return t.classifyAndFail(ActionRefresh, RootPath, err, 0, nil)
	}

	rootFiles := countFiles(root)
	trashFiles := countFiles(trash)

	rootNode, _ := root.Get(RootPath)
	rootFolder, _ := rootNode.(RemoteFolder)
	trashNode, _ := trash.Get(RootPath)
	trashFolder, _ := trashNode.(RemoteFolder)

	if rootFolder.FileCount+trashFolder.FileCount != rootFiles+trashFiles {
		mismatch := &MismatchError{RootCount: rootFolder.FileCount, TotalFiles: rootFiles + trashFiles}
		slog.Debug("refresh inconsistent, discarding", "root_count", mismatch.RootCount, "total_files", mismatch.TotalFiles)

		return Failed(ActionRefresh, RootPath, mismatch, 0, nil)
	}

	removeIgnored(root, t.Filter)
	removeIgnored(trash, t.Filter)

	t.Paths = root
	t.Trash = trash

	slog.Debug("remote refresh complete", "root_entries", root.Len(), "trash_entries", trash.Len())

	return Succeeded(ActionRefresh, RootPath)
}

func removeIgnored(tree *PathMap, filter *FilterSet) {
	for path, node := range tree.Snapshot() {
		if path == RootPath {
			continue
		}

		if filter.Ignore(path, node.IsDir()) {
			tree.Prune(path, true)
		}
	}
}

func countFiles(tree *PathMap) int {
	n := 0

	for _, node := range tree.Snapshot() {
		if !node.IsDir() {
			n++
		}
	}

	return n
}

// walkFolder fetches path's children, inserts a record per child that
// survives the filter, and fans recursion for subfolders out onto g. With a
// nil g only path's direct children are scanned.
func (t *RemoteTree) walkFolder(ctx context.Context, client RemoteDriveClient, tree *PathMap, path string, handle RemoteHandle, g *errgroup.Group) error {
	children, err := client.Children(ctx, handle)
	if err != nil {
		return err
	}

	for _, child := range children {
		childPath := JoinPath(path, child.Name)
		if t.Filter.Ignore(childPath, child.IsFolder) {
			continue
		}

		if child.IsFolder {
			tree.Put(childPath, remoteFolderFromInfo(child))

			childPath, childHandle := childPath, child.Handle
			if g != nil {
				g.Go(func() error { return t.walkFolder(ctx, client, tree, childPath, childHandle, g) })
			}
		} else {
			tree.Put(childPath, remoteFileFromInfo(child))
		}
	}

	return nil
}

// ProcessFolder rescans path's direct children against the live tree,
// non-recursively unless recursive is set, in which case subfolders are
// walked concurrently on an errgroup. It is the handler for a RemoteFolderModified event
// (spec.md §4.4, §4.6).
func (t *RemoteTree) ProcessFolder(ctx context.Context, path string, recursive bool) ActionResult {
	node, ok := t.Paths.Get(path)
	if !ok {
		return Nil(path)
	}

	folder, ok := node.(RemoteFolder)
	if !ok {
		return Nil(path)
	}

	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionRefresh, path, err, 0, nil)
	}

	var g *errgroup.Group
	if recursive {
		eg, _ := errgroup.WithContext(ctx)
		eg.SetLimit(t.MaxWorkers)
		g = eg
	}

	if err := t.walkFolder(ctx, t.currentClient(), t.Paths, path, folder.Handle, g); err != nil {
		return t.classifyAndFail(ActionRefresh, path, err, 0, nil)
	}

	if g != nil {
		if err := g.Wait(); err != nil {
			return t.classifyAndFail(ActionRefresh, path, err, 0, nil)
		}
	}

	return Succeeded(ActionRefresh, path)
}

// Upload deletes any existing remote entry at path (best-effort), then
// streams the local file's bytes to its parent remote folder with the
// local mtime/ctime (spec.md §4.4).
func (t *RemoteTree) Upload(ctx context.Context, path string, local LocalFile, retriesLeft int) ActionResult {
	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionUpload, path, err, retriesLeft, t.uploadRetry(path, local, retriesLeft))
	}

	client := t.currentClient()

	if existing, ok := t.Paths.Get(path); ok {
		if parentNode, ok := t.Paths.Get(ParentPath(path)); ok {
			if pf, ok := parentNode.(RemoteFolder); ok {
				_ = client.Delete(ctx, pf.Handle, handleOf(existing))
			}
		}

		t.Paths.Pop(path)
	}

	parentNode, ok := t.Paths.Get(ParentPath(path))
	pf, ok2 := parentNode.(RemoteFolder)

	if !ok || !ok2 {
		return Failed(ActionUpload, path, fmt.Errorf("upload %s: remote parent folder missing", path), retriesLeft, t.uploadRetry(path, local, retriesLeft))
	}

	abs := filepath.Join(t.LocalRootDir, filepath.FromSlash(path))

	f, err := os.Open(abs)
	if err != nil {
		return t.classifyAndFail(ActionUpload, path, err, retriesLeft, t.uploadRetry(path, local, retriesLeft))
	}
	defer f.Close()

	info, err := client.Upload(ctx, pf.Handle, BaseName(path), f, local.Mtime, local.Ctime)
	if err != nil {
		return t.classifyAndFail(ActionUpload, path, err, retriesLeft, t.uploadRetry(path, local, retriesLeft))
	}

	t.Paths.Put(path, remoteFileFromInfo(info))

	return Succeeded(ActionUpload, path)
}

func (t *RemoteTree) uploadRetry(path string, local LocalFile, retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult {
		return t.Upload(context.Background(), path, local, retriesLeft-1)
	}
}

// Download ensures the parent directory exists locally, streams the remote
// file to disk in fixed-size chunks, fsyncs, sets mtime to the remote
// mtime, and invokes onSuccess(path) (spec.md §4.4).
func (t *RemoteTree) Download(ctx context.Context, path string, remote RemoteFile, onSuccess func(string), retriesLeft int) ActionResult {
	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	abs := filepath.Join(t.LocalRootDir, filepath.FromSlash(path))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	rc, err := t.currentClient().Download(ctx, remote.Handle)
	if err != nil {
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}
	defer rc.Close()

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	buf := make([]byte, downloadChunkSize)

	if _, err := io.CopyBuffer(f, rc, buf); err != nil {
		f.Close()
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	f.Close()

	if err := os.Chtimes(abs, remote.Mtime, remote.Mtime); err != nil {
		return t.classifyAndFail(ActionDownload, path, err, retriesLeft, t.downloadRetry(path, remote, onSuccess, retriesLeft))
	}

	onSuccess(path)

	return Succeeded(ActionDownload, path)
}

func (t *RemoteTree) downloadRetry(path string, remote RemoteFile, onSuccess func(string), retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult {
		return t.Download(context.Background(), path, remote, onSuccess, retriesLeft-1)
	}
}

// Delete removes path from the remote drive and from the PathMap — popped
// if a file, pruned if a folder (spec.md §4.4).
func (t *RemoteTree) Delete(ctx context.Context, path string, retriesLeft int) ActionResult {
	node, ok := t.Paths.Get(path)
	parentNode, pok := t.Paths.Get(ParentPath(path))

	if !ok || !pok {
		return Nil(path)
	}

	pf, ok := parentNode.(RemoteFolder)
	if !ok {
		return Nil(path)
	}

	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionDelete, path, err, retriesLeft, t.deleteRetry(path, retriesLeft))
	}

	if err := t.currentClient().Delete(ctx, pf.Handle, handleOf(node)); err != nil {
		return t.classifyAndFail(ActionDelete, path, err, retriesLeft, t.deleteRetry(path, retriesLeft))
	}

	if node.IsDir() {
		t.Paths.Prune(path, true)
	} else {
		t.Paths.Pop(path)
	}

	return Succeeded(ActionDelete, path)
}

func (t *RemoteTree) deleteRetry(path string, retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult { return t.Delete(context.Background(), path, retriesLeft-1) }
}

// Rename renames the remote node by basename; on success the PathMap prefix
// is re-keyed (spec.md §4.4).
func (t *RemoteTree) Rename(ctx context.Context, oldPath, newPath string, retriesLeft int) ActionResult {
	node, ok := t.Paths.Get(oldPath)
	if !ok {
		return Nil(oldPath)
	}

	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionRename, oldPath, err, retriesLeft, t.renameRetry(oldPath, newPath, retriesLeft))
	}

	if err := t.currentClient().Rename(ctx, handleOf(node), BaseName(newPath)); err != nil {
		if isNotFound(err) {
			return t.classifyAndFail(ActionRename, oldPath, err, 1, t.renameUnderNewParent(oldPath, newPath))
		}

		return t.classifyAndFail(ActionRename, oldPath, err, retriesLeft, t.renameRetry(oldPath, newPath, retriesLeft))
	}

	t.Paths.ReKey(oldPath, newPath)

	return SucceededTo(ActionRename, oldPath, newPath)
}

func (t *RemoteTree) renameRetry(oldPath, newPath string, retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult { return t.Rename(context.Background(), oldPath, newPath, retriesLeft-1) }
}

// renameUnderNewParent builds the single retry used after a not-found
// rename: if oldPath's parent is still in the tree it retries the same
// oldPath -> newPath rename once, otherwise it returns Nil. It does not
// look up or rebuild oldPath under a parent that has since been renamed.
func (t *RemoteTree) renameUnderNewParent(oldPath, newPath string) RetryFunc {
	return func() ActionResult {
		parent := ParentPath(oldPath)
		if _, ok := t.Paths.Get(parent); ok {
			return t.Rename(context.Background(), oldPath, newPath, 0)
		}

		return Nil(oldPath)
	}
}

// Move moves the remote node to a new parent; on success the entry (and any
// descendants) is re-keyed to the new path (spec.md §4.4).
func (t *RemoteTree) Move(ctx context.Context, oldPath, newPath string, retriesLeft int) ActionResult {
	node, ok := t.Paths.Get(oldPath)
	newParentNode, pok := t.Paths.Get(ParentPath(newPath))

	if !ok || !pok {
		return Nil(oldPath)
	}

	npf, ok := newParentNode.(RemoteFolder)
	if !ok {
		return Nil(oldPath)
	}

	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionMove, oldPath, err, retriesLeft, t.moveRetry(oldPath, newPath, retriesLeft))
	}

	if err := t.currentClient().Move(ctx, handleOf(node), npf.Handle); err != nil {
		return t.classifyAndFail(ActionMove, oldPath, err, retriesLeft, t.moveRetry(oldPath, newPath, retriesLeft))
	}

	t.Paths.ReKey(oldPath, newPath)

	return SucceededTo(ActionMove, oldPath, newPath)
}

func (t *RemoteTree) moveRetry(oldPath, newPath string, retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult { return t.Move(context.Background(), oldPath, newPath, retriesLeft-1) }
}

// Mkdir recursively creates any missing ancestors of path, rescanning each
// created level non-recursively so the new RemoteFolder record is
// materialized. Returns Nil if path already exists (idempotent).
func (t *RemoteTree) Mkdir(ctx context.Context, path string, retriesLeft int) ActionResult {
	if _, ok := t.Paths.Get(path); ok {
		return Nil(path)
	}

	if err := t.authenticate(ctx); err != nil {
		return t.classifyAndFail(ActionMkdir, path, err, retriesLeft, t.mkdirRetry(path, retriesLeft))
	}

	client := t.currentClient()
	acc := RootPath

	for _, seg := range strings.Split(path, "/") {
		next := JoinPath(acc, seg)

		if _, ok := t.Paths.Get(next); !ok {
			parentNode, ok := t.Paths.Get(acc)
			if !ok {
				return t.classifyAndFail(ActionMkdir, path, fmt.Errorf("mkdir %s: missing parent %s", path, acc), retriesLeft, t.mkdirRetry(path, retriesLeft))
			}

			pf := parentNode.(RemoteFolder)

			info, err := client.Mkdir(ctx, pf.Handle, seg)
			if err != nil {
				return t.classifyAndFail(ActionMkdir, path, err, retriesLeft, t.mkdirRetry(path, retriesLeft))
			}

			t.Paths.Put(next, remoteFolderFromInfo(info))

			if err := t.walkFolder(ctx, client, t.Paths, acc, pf.Handle, nil); err != nil {
				slog.Debug("post-mkdir rescan failed", "path", acc, "error", err)
			}
		}

		acc = next
	}

	return Succeeded(ActionMkdir, path)
}

func (t *RemoteTree) mkdirRetry(path string, retriesLeft int) RetryFunc {
	if retriesLeft <= 0 {
		return nil
	}

	return func() ActionResult { return t.Mkdir(context.Background(), path, retriesLeft-1) }
}

// DirtyCounters compares root.file_count and trash.number_of_items against
// freshly fetched counters, reporting which of the two differs (spec.md
// §4.4, §4.8 dirty-check). The caller (the scheduler's dirty-check job)
// uses the split result both to decide whether to request an immediate
// refresh and to condition its inconsistent-refresh backoff on whether a
// real remote change was observed.
func (t *RemoteTree) DirtyCounters(ctx context.Context) (rootChanged, trashChanged bool) {
	rootNode, ok := t.Paths.Get(RootPath)
	trashNode, ok2 := t.Trash.Get(RootPath)

	if !ok || !ok2 {
		return false, false
	}

	rf, ok := rootNode.(RemoteFolder)
	tf, ok2 := trashNode.(RemoteFolder)

	if !ok || !ok2 {
		return false, false
	}

	client := t.currentClient()
	if client == nil {
		return false, false
	}

	postRoot, err := client.RootFileCount(ctx)
	if err != nil {
		slog.Warn("root file count probe failed", "error", err)
		return false, false
	}

	postTrash, err := client.TrashItemCount(ctx)
	if err != nil {
		slog.Warn("trash item count probe failed", "error", err)
		return false, false
	}

	return postRoot != rf.FileCount, postTrash != tf.NumberOfItems
}

// IsDirty reports whether either counter probe in DirtyCounters differs.
func (t *RemoteTree) IsDirty(ctx context.Context) bool {
	rootChanged, trashChanged := t.DirtyCounters(ctx)
	return rootChanged || trashChanged
}

// DocWSIDs returns the stable_id -> path mapping over the root map, used to
// detect renames across a refresh (spec.md §4.4).
func (t *RemoteTree) DocWSIDs() map[string]string {
	out := make(map[string]string)

	for path, node := range t.Paths.Snapshot() {
		var id string

		switch n := node.(type) {
		case RemoteFile:
			id = n.StableID
		case RemoteFolder:
			id = n.StableID
		}

		if id != "" {
			out[id] = path
		}
	}

	return out
}

// TrashRestorePaths returns, for each trash entry, the path its remote
// counterpart would restore to — used to drive initial-sync garbage
// collection of local files whose remote counterpart is in the trash
// (spec.md §3, "Trash entries").
func (t *RemoteTree) TrashRestorePaths(ctx context.Context) map[string]string {
	out := make(map[string]string)
	client := t.currentClient()

	for path, node := range t.Trash.Snapshot() {
		if path == RootPath {
			continue
		}

		restore, err := client.TrashRestorePath(ctx, handleOf(node))
		if err != nil || restore == "" {
			continue
		}

		out[path] = NormalizePath(restore)
	}

	return out
}

func (t *RemoteTree) classifyAndFail(kind ActionKind, path string, err error, retriesLeft int, retry RetryFunc) ActionResult {
	var authErr *AuthError

	var mismatchErr *MismatchError

	switch {
	case errors.As(err, &authErr):
		t.mu.Lock()
		t.authenticated = false
		t.mu.Unlock()

		t.jobsDisabled.Set()
		slog.Warn("remote auth failure", "kind", kind, "path", path, "error", err)
	case errors.As(err, &mismatchErr):
		slog.Debug("remote consistency failure", "kind", kind, "path", path, "error", err)
	default:
		slog.Error("remote operation failed", "kind", kind, "path", path, "error", err)
	}

	return Failed(kind, path, err, retriesLeft, retry)
}

func isNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func handleOf(node Node) RemoteHandle {
	switch n := node.(type) {
	case RemoteFile:
		return n.Handle
	case RemoteFolder:
		return n.Handle
	default:
		return nil
	}
}

func remoteFolderFromInfo(c RemoteChildInfo) RemoteFolder {
	return RemoteFolder{
		Name:                c.Name,
		StableID:            c.StableID,
		FileCount:           c.FileCount,
		DirectChildrenCount: c.DirectChildrenCount,
		NumberOfItems:       c.NumberOfItems,
		Handle:              c.Handle,
	}
}

func remoteFileFromInfo(c RemoteChildInfo) RemoteFile {
	return RemoteFile{
		Name:     c.Name,
		Size:     c.Size,
		Mtime:    c.Mtime.Truncate(time.Second).UTC(),
		Ctime:    c.Ctime.UTC(),
		StableID: c.StableID,
		Handle:   c.Handle,
	}
}
