package icloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"
)

// maxRetries bounds how many times a failed remote operation is resubmitted
// before the reconciler gives up on it (spec.md §4.7).
const maxRetries = 3

// ReconcilerConfig carries the tunables the CLI surface exposes (spec.md
// §6).
type ReconcilerConfig struct {
	LogPath     string
	RetryPeriod time.Duration
}

// Reconciler owns the main event-driven loop: initial three-phase sync,
// per-event dispatch, refresh application, and trash handling (spec.md
// §4.6, component C8).
type Reconciler struct {
	cfg ReconcilerConfig

	Local    *LocalTree
	Pipeline *EventPipeline

	remoteMu gosync.RWMutex
	remote   *RemoteTree

	buildRemote func() *RemoteTree // factory for a fresh RemoteTree used by background refresh

	Scheduler    *Scheduler
	JobsDisabled *JobsDisabled
	RefreshLock  *RefreshLock

	inFlight atomic.Int64

	exceptionMu     gosync.Mutex
	exceptionEvents map[string]Event
	lastRetry       time.Time
}

// NewReconciler wires a Reconciler. buildRemote must return a freshly
// constructed, not-yet-refreshed RemoteTree sharing the live tree's
// authenticator and filter.
func NewReconciler(cfg ReconcilerConfig, local *LocalTree, remote *RemoteTree, pipeline *EventPipeline, jobsDisabled *JobsDisabled, buildRemote func() *RemoteTree) *Reconciler {
	r := &Reconciler{
		cfg:             cfg,
		Local:           local,
		Pipeline:        pipeline,
		remote:          remote,
		buildRemote:     buildRemote,
		JobsDisabled:    jobsDisabled,
		RefreshLock:     &RefreshLock{},
		exceptionEvents: make(map[string]Event),
		lastRetry:       time.Now(),
	}

	return r
}

// InFlight reports the number of remote operations currently submitted to
// either worker pool and not yet resolved, for the Scheduler's blocked()
// gate.
func (r *Reconciler) InFlight() int {
	return int(r.inFlight.Load())
}

func (r *Reconciler) getRemote() *RemoteTree {
	r.remoteMu.RLock()
	defer r.remoteMu.RUnlock()

	return r.remote
}

func (r *Reconciler) setRemote(t *RemoteTree) {
	r.remoteMu.Lock()
	defer r.remoteMu.Unlock()

	r.remote = t
}

// Run performs the initial sync and then runs the main loop until ctx is
// canceled. On an unhandled error from a handler it logs, sleeps ~60s, and
// restarts the loop (spec.md §5 cancellation: "fatal" taxonomy).
func (r *Reconciler) Run(ctx context.Context) error {
	r.Scheduler.Start(ctx)
	defer r.Scheduler.Stop()

	go r.resultLoop(ctx)

	if err := r.Local.Refresh(); err != nil {
		return fmt.Errorf("initial local scan: %w", err)
	}

	if res := r.getRemote().Refresh(ctx); res.Success {
		r.dumpState("before", nil)
		r.initialSync(ctx)
		r.dumpState("after", nil)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("reconciler loop panicked, restarting in 60s", "panic", rec)
					time.Sleep(60 * time.Second)
				}
			}()

			events := r.Pipeline.Drain(ctx)
			if ctx.Err() != nil {
				return
			}

			func() {
				r.RefreshLock.Lock()
				defer r.RefreshLock.Unlock()

				r.dispatchEvents(ctx, events)
			}()

			if r.inFlight.Load() == 0 {
				r.Pipeline.ClearSuppressed()
				r.retryExceptionEvents(ctx)
			}
		}()
	}
}

// --- initial three-phase sync -------------------------------------------------

func (r *Reconciler) initialSync(ctx context.Context) {
	remote := r.getRemote()

	// Phase 1: upload locals missing remotely.
	for _, path := range sortedKeys(r.Local.Paths.Difference(remote.Paths.Keys())) {
		node, ok := r.Local.Paths.Get(path)
		if !ok || remote.Filter.Ignore(path, node.IsDir()) {
			continue
		}

		if node.IsDir() {
			r.submitWriter(ctx, func() ActionResult { return remote.Mkdir(ctx, path, maxRetries) })
		} else if lf, ok := node.(LocalFile); ok {
			r.submitWriter(ctx, func() ActionResult { return remote.Upload(ctx, path, lf, maxRetries) })
		}
	}

	// Phase 2: for each path in remote\local, download files or mkdir
	// folders locally.
	for _, path := range sortedKeys(remote.Paths.Difference(r.Local.Paths.Keys())) {
		node, ok := remote.Paths.Get(path)
		if !ok || r.Local.Filter.Ignore(path, node.IsDir()) {
			continue
		}

		r.Pipeline.Suppress(path)

		if node.IsDir() {
			_ = os.MkdirAll(filepath.Join(r.Local.RootDir, filepath.FromSlash(path)), 0o755)
			r.Local.Add(path)
		} else if rf, ok := node.(RemoteFile); ok {
			r.submitReader(ctx, func() ActionResult {
				return remote.Download(ctx, path, rf, func(p string) { r.Local.Add(p) }, maxRetries)
			})
		}
	}

	// Phase 3: for each path in both, newer side wins.
	for _, path := range sortedKeys(r.Local.Paths.Intersection(remote.Paths.Keys())) {
		r.reconcileCommonPath(ctx, remote, path)
	}

	// Phase 4: delete local paths whose remote counterpart is in the trash.
	for _, localPath := range remote.TrashRestorePaths(ctx) {
		r.deleteLocalFile(localPath)
	}
}

func (r *Reconciler) reconcileCommonPath(ctx context.Context, remote *RemoteTree, path string) {
	ln, lok := r.Local.Paths.Get(path)
	rn, rok := remote.Paths.Get(path)

	if !lok || !rok || ln.IsDir() || rn.IsDir() {
		return
	}

	lf, ok1 := ln.(LocalFile)
	rf, ok2 := rn.(RemoteFile)

	if !ok1 || !ok2 || lf.Mtime.Equal(rf.Mtime) {
		return
	}

	if lf.Mtime.After(rf.Mtime) {
		if lf.Size > 0 {
			r.submitWriter(ctx, func() ActionResult { return remote.Upload(ctx, path, lf, maxRetries) })
		}

		return
	}

	r.Pipeline.Suppress(path)
	r.submitReader(ctx, func() ActionResult {
		return remote.Download(ctx, path, rf, func(p string) { r.Local.Add(p) }, maxRetries)
	})
}

func (r *Reconciler) deleteLocalFile(path string) {
	r.Pipeline.Suppress(path)

	node, ok := r.Local.Paths.Get(path)
	if !ok {
		return
	}

	abs := filepath.Join(r.Local.RootDir, filepath.FromSlash(path))

	if node.IsDir() {
		slog.Info("deleting local folder", "path", path)
		_ = os.RemoveAll(abs)
		r.Local.Prune(path, true)
	} else {
		slog.Info("deleting local file", "path", path)
		_ = os.Remove(abs)
		r.Local.Pop(path)
	}
}

// --- per-event dispatch ---------------------------------------------------

func (r *Reconciler) dispatchEvents(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}

	remote := r.getRemote()

	for _, ev := range events {
		if r.Local.Filter.Ignore(ev.Src, ev.IsDir) || remote.Filter.Ignore(ev.Src, ev.IsDir) {
			continue
		}

		r.dispatchOne(ctx, ev)
	}
}

func (r *Reconciler) dispatchOne(ctx context.Context, ev Event) {
	switch ev.Kind {
	case FileCreated, FileModified:
		r.handleFileCreatedOrModified(ctx, ev)
	case FileMoved, FolderMoved:
		r.handleMoved(ctx, ev)
	case FileDeleted, FolderDeleted:
		r.handleDeleted(ctx, ev)
	case FolderCreated:
		r.handleFolderCreated(ctx, ev)
	case FolderModified:
		slog.Warn("FolderModified event reached the reconciler; should have been filtered", "path", ev.Src)
	case RemoteFolderModified:
		remote := r.getRemote()
		r.submitReader(ctx, func() ActionResult { return remote.ProcessFolder(ctx, ev.Src, false) })
	default:
		slog.Warn("unhandled event kind", "kind", ev.Kind, "path", ev.Src)
	}
}

func (r *Reconciler) handleFileCreatedOrModified(ctx context.Context, ev Event) {
	node, ok := r.Local.Add(ev.Src)
	if !ok {
		return
	}

	lf, ok := node.(LocalFile)
	if !ok {
		return
	}

	remote := r.getRemote()

	remoteNode, remoteExists := remote.Paths.Get(ev.Src)
	_, parentExists := remote.Paths.Get(ParentPath(ev.Src))

	if !remoteExists && !parentExists {
		r.submitWriter(ctx, func() ActionResult { return remote.Mkdir(ctx, ParentPath(ev.Src), maxRetries) })
	}

	newer := !remoteExists

	if rf, ok := remoteNode.(RemoteFile); ok {
		newer = lf.Mtime.After(rf.Mtime)
	}

	if newer && lf.Size > 0 {
		r.recordAttempt(ev)
		r.submitWriter(ctx, func() ActionResult { return remote.Upload(ctx, ev.Src, lf, maxRetries) })
	}
}

func (r *Reconciler) handleMoved(ctx context.Context, ev Event) {
	r.Local.ReKey(ev.Src, ev.Dst)

	remote := r.getRemote()

	if dstNode, ok := remote.Paths.Get(ev.Dst); ok && dstNode.IsDir() {
		return
	}

	srcParent, dstParent := ParentPath(ev.Src), ParentPath(ev.Dst)

	if srcParent == dstParent {
		result := remote.Rename(ctx, ev.Src, ev.Dst, maxRetries)
		r.observeSyncResult(ctx, result, ev)
		r.Pipeline.Enqueue(remoteFolderModifiedEvent(srcParent))

		return
	}

	result := remote.Move(ctx, ev.Src, ev.Dst, maxRetries)
	r.observeSyncResult(ctx, result, ev)
	r.Pipeline.Enqueue(remoteFolderModifiedEvent(srcParent))
	r.Pipeline.Enqueue(remoteFolderModifiedEvent(dstParent))
}

func (r *Reconciler) handleDeleted(ctx context.Context, ev Event) {
	abs := filepath.Join(r.Local.RootDir, filepath.FromSlash(ev.Src))
	if _, err := os.Stat(abs); err == nil {
		slog.Warn("deleted path reappeared, skipping", "path", ev.Src)
		return
	}

	if ev.IsDir {
		r.Local.Prune(ev.Src, true)
	} else {
		r.Local.Pop(ev.Src)
	}

	remote := r.getRemote()

	_, nodeOK := remote.Paths.Get(ev.Src)
	_, parentOK := remote.Paths.Get(ParentPath(ev.Src))

	if nodeOK && parentOK {
		r.recordAttempt(ev)
		r.submitWriter(ctx, func() ActionResult { return remote.Delete(ctx, ev.Src, maxRetries) })
	}
}

func (r *Reconciler) handleFolderCreated(ctx context.Context, ev Event) {
	r.Local.Add(ev.Src)

	remote := r.getRemote()

	_, nodeOK := remote.Paths.Get(ev.Src)
	_, parentOK := remote.Paths.Get(ParentPath(ev.Src))

	if !nodeOK || !parentOK {
		r.recordAttempt(ev)
		r.submitWriter(ctx, func() ActionResult { return remote.Mkdir(ctx, ev.Src, maxRetries) })
	}
}

// observeSyncResult handles the ActionResult of a synchronous rename/move
// (spec.md §5 ordering guarantee: executed on the calling goroutine, not
// the pool, to preserve burst ordering) the same way an async result would
// be handled, short of the pool plumbing.
func (r *Reconciler) observeSyncResult(ctx context.Context, res ActionResult, ev Event) {
	if res.Success {
		return
	}

	if res.RetriesLeft > 0 && res.RetryClosure != nil {
		retried := res.RetryClosure()
		r.observeSyncResult(ctx, retried, ev)

		return
	}

	slog.Error("giving up on remote operation", "kind", res.Kind, "path", res.Path, "error", res.Err)
	r.recordAttempt(ev)
}

func remoteFolderModifiedEvent(path string) Event {
	return Event{Kind: RemoteFolderModified, Src: path, IsDir: true, TS: time.Now()}
}

// --- worker submission and result handling --------------------------------

func (r *Reconciler) submitWriter(ctx context.Context, job Job) {
	r.inFlight.Add(1)
	r.Scheduler.Writer.Submit(ctx, job)
}

func (r *Reconciler) submitReader(ctx context.Context, job Job) {
	r.inFlight.Add(1)
	r.Scheduler.Reader.Submit(ctx, job)
}

func (r *Reconciler) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-r.Scheduler.Writer.Results():
			if !ok {
				return
			}

			r.handleResult(ctx, res, r.Scheduler.Writer)
		case res, ok := <-r.Scheduler.Reader.Results():
			if !ok {
				return
			}

			r.handleResult(ctx, res, r.Scheduler.Reader)
		}
	}
}

func (r *Reconciler) handleResult(ctx context.Context, res ActionResult, pool *Pool) {
	r.inFlight.Add(-1)

	switch {
	case res.Kind == ActionNil:
	case res.Success:
		for _, parent := range res.AffectsParents() {
			r.Pipeline.Enqueue(remoteFolderModifiedEvent(parent))
		}
	case res.RetriesLeft > 0 && res.RetryClosure != nil:
		r.inFlight.Add(1)
		pool.Submit(ctx, res.RetryClosure)
	default:
		slog.Error("giving up on remote operation", "kind", res.Kind, "path", res.Path, "error", res.Err)
	}
}

// --- exception-event retry queue -------------------------------------------

func (r *Reconciler) recordAttempt(ev Event) {
	r.exceptionMu.Lock()
	defer r.exceptionMu.Unlock()

	r.exceptionEvents[ev.Src] = ev
}

func (r *Reconciler) retryExceptionEvents(ctx context.Context) {
	if time.Since(r.lastRetry) < r.cfg.RetryPeriod {
		return
	}

	r.lastRetry = time.Now()

	r.exceptionMu.Lock()
	pending := r.exceptionEvents
	r.exceptionEvents = make(map[string]Event)
	r.exceptionMu.Unlock()

	if len(pending) == 0 {
		return
	}

	slog.Debug("reprocessing exception events", "count", len(pending))

	for _, ev := range pending {
		r.dispatchOne(ctx, ev)
	}
}

// --- background refresh application ---------------------------------------

// BuildRefresh builds a fresh RemoteTree via Refresh() on the caller's
// goroutine; passed as the Scheduler's buildRefresh hook.
func (r *Reconciler) BuildRefresh() (*RemoteTree, ActionResult) {
	fresh := r.buildRemote()
	result := fresh.Refresh(context.Background())

	return fresh, result
}

// RequestDirtyCheck is the Scheduler's onDirty hook (spec.md §4.8 job 1):
// it probes the live RemoteTree's root/trash counters and reports which
// changed. The Scheduler uses a true result to trigger an immediate refresh
// rather than waiting for the next icloud_refresh_period tick, and latches
// the flags to condition its inconsistent-refresh backoff.
func (r *Reconciler) RequestDirtyCheck(correlationID string) (rootChanged, trashChanged bool) {
	rootChanged, trashChanged = r.getRemote().DirtyCounters(context.Background())
	if rootChanged || trashChanged {
		slog.Info("remote tree is dirty, requesting refresh", "correlation_id", correlationID, "root_changed", rootChanged, "trash_changed", trashChanged)
	}

	return rootChanged, trashChanged
}

// ApplyRefresh is the Scheduler's onRefreshBuilt hook.
func (r *Reconciler) ApplyRefresh(correlationID string, result ActionResult, built func() (*RemoteTree, ActionResult)) {
	ctx := context.Background()

	if !result.Success {
		return
	}

	refresh, _ := built()

	if r.inFlight.Load() != 0 || r.Pipeline.QueueLen() != 0 {
		slog.Warn("background refresh discarded, work in flight", "correlation_id", correlationID)
		return
	}

	r.RefreshLock.Lock()
	defer r.RefreshLock.Unlock()

	r.dumpState("before", refresh)

	uploaded, downloaded, deleted, created := r.applyRefreshLocked(ctx, refresh)

	r.dumpState("after", refresh)

	if uploaded+downloaded+deleted+created > 0 {
		slog.Info("background refresh applied", "uploaded", uploaded, "downloaded", downloaded, "deleted", deleted, "folders_created", created, "correlation_id", correlationID)
	} else {
		slog.Info("background refresh, no changes", "correlation_id", correlationID)
	}

	old := r.getRemote()
	r.setRemote(refresh)

	_ = old
}

type pendingRename struct {
	oldPath, newPath string
	isDir            bool
}

// applyRefreshLocked implements spec.md §4.6's refresh-application steps.
// Renames are detected by comparing stable ids between the outgoing live
// tree and the incoming refresh tree and applied to the LOCAL tree first
// (folders before files, shallowest first); missing/common entries are then
// reconciled the same way the initial sync reconciles local against remote,
// using the refresh tree as the new remote view; paths that vanished from
// the old live tree are deleted locally.
func (r *Reconciler) applyRefreshLocked(ctx context.Context, refresh *RemoteTree) (uploaded, downloaded, deleted, created int) {
	old := r.getRemote()

	renames := detectRenames(old, refresh)
	for _, rn := range renames {
		r.applyRename(rn)
	}

	for _, path := range sortedKeys(refresh.Paths.Difference(r.Local.Paths.Keys())) {
		node, ok := refresh.Paths.Get(path)
		if !ok || r.Local.Filter.Ignore(path, node.IsDir()) {
			continue
		}

		r.Pipeline.Suppress(path)

		if node.IsDir() {
			_ = os.MkdirAll(filepath.Join(r.Local.RootDir, filepath.FromSlash(path)), 0o755)
			r.Local.Add(path)
			created++
		} else if rf, ok := node.(RemoteFile); ok {
			res := refresh.Download(ctx, path, rf, func(p string) { r.Local.Add(p) }, 0)
			if res.Success {
				downloaded++
			}
		}
	}

	for _, path := range sortedKeys(r.Local.Paths.Intersection(refresh.Paths.Keys())) {
		ln, lok := r.Local.Paths.Get(path)
		rn, rok := refresh.Paths.Get(path)

		if !lok || !rok || ln.IsDir() || rn.IsDir() {
			continue
		}

		lf, ok1 := ln.(LocalFile)
		rf, ok2 := rn.(RemoteFile)

		if !ok1 || !ok2 || lf.Mtime.Equal(rf.Mtime) {
			continue
		}

		if lf.Mtime.After(rf.Mtime) && lf.Size > 0 {
			res := refresh.Upload(ctx, path, lf, 0)
			if res.Success {
				uploaded++
			}

			continue
		}

		if rf.Mtime.After(lf.Mtime) {
			r.Pipeline.Suppress(path)

			res := refresh.Download(ctx, path, rf, func(p string) { r.Local.Add(p) }, 0)
			if res.Success {
				downloaded++
			}
		}
	}

	for _, path := range sortedKeys(old.Paths.Difference(refresh.Paths.Keys())) {
		if path == RootPath {
			continue
		}

		r.deleteLocalFile(path)

		deleted++
	}

	return uploaded, downloaded, deleted, created
}

func detectRenames(old, refresh *RemoteTree) []pendingRename {
	oldIDs := old.DocWSIDs()
	newIDs := refresh.DocWSIDs()

	var renames []pendingRename

	for id, oldPath := range oldIDs {
		newPath, ok := newIDs[id]
		if !ok || newPath == oldPath {
			continue
		}

		node, ok := old.Paths.Get(oldPath)
		if !ok {
			continue
		}

		renames = append(renames, pendingRename{oldPath: oldPath, newPath: newPath, isDir: node.IsDir()})
	}

	sort.Slice(renames, func(i, j int) bool {
		if renames[i].isDir != renames[j].isDir {
			return renames[i].isDir
		}

		return strings.Count(renames[i].oldPath, "/") < strings.Count(renames[j].oldPath, "/")
	})

	return renames
}

func (r *Reconciler) applyRename(rn pendingRename) {
	r.Pipeline.Suppress(rn.oldPath)
	r.Pipeline.Suppress(rn.newPath)

	oldAbs := filepath.Join(r.Local.RootDir, filepath.FromSlash(rn.oldPath))
	newAbs := filepath.Join(r.Local.RootDir, filepath.FromSlash(rn.newPath))

	if err := os.Rename(oldAbs, newAbs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Parent already renamed; reconstruct under the new parent and
			// retry once (spec.md §7).
			retryOld := filepath.Join(r.Local.RootDir, filepath.FromSlash(ParentPath(rn.newPath)), filepath.Base(oldAbs))
			if err := os.Rename(retryOld, newAbs); err != nil {
				slog.Warn("local rename retry failed", "old", rn.oldPath, "new", rn.newPath, "error", err)
				return
			}
		} else {
			slog.Warn("local rename failed", "old", rn.oldPath, "new", rn.newPath, "error", err)
			return
		}
	}

	r.Local.ReKey(rn.oldPath, rn.newPath)
}

func (r *Reconciler) dumpState(phase string, refresh *RemoteTree) {
	if r.cfg.LogPath == "" {
		return
	}

	r.writeStateFile("local", phase, r.Local.Paths)
	r.writeStateFile("icloud", phase, r.getRemote().Paths)

	if refresh != nil {
		r.writeStateFile("refresh", phase, refresh.Paths)
	}
}

func (r *Reconciler) writeStateFile(name, phase string, tree *PathMap) {
	path := filepath.Join(r.cfg.LogPath, fmt.Sprintf("icloudds_%s_%s.log", name, phase))

	f, err := os.Create(path)
	if err != nil {
		slog.Warn("state dump failed", "file", path, "error", err)
		return
	}
	defer f.Close()

	for _, k := range sortedKeys(NewPathSet(tree.Keys())) {
		node, ok := tree.Get(k)
		if !ok {
			continue
		}

		fmt.Fprintf(f, "%s: %#v\n", k, node)
	}
}

func sortedKeys(s PathSet) []string {
	return s.Slice()
}
