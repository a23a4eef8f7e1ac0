// Package watch adapts raw fsnotify filesystem events into icloudsync
// Events and feeds them into an EventPipeline (spec.md §4.5's upstream
// collaborator).
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/gordonaspin/icloudds/internal/icloudsync"
)

const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second

	// renamePairWindow bounds how long a bare Remove/Rename event waits for
	// a matching Create before it is reported as a plain delete. fsnotify,
	// unlike the Python original's watchdog-based observer, does not pair
	// move-from/move-to itself, so the watcher does its own short-lived
	// pairing by basename-adjacent timing.
	renamePairWindow = 150 * time.Millisecond
)

// Watcher walks the local root, registers an fsnotify watch on every
// directory, and translates raw events into icloudsync.Event values enqueued
// on Pipeline.
type Watcher struct {
	RootDir  string
	Pipeline *icloudsync.EventPipeline

	// WasDir reports whether relPath was last known to be a directory,
	// consulted on removal since the filesystem can no longer answer.
	// Wired to the reconciler's LocalTree.
	WasDir func(relPath string) bool

	mu      gosync.Mutex
	pending map[string]pendingRemoval // basename -> last-seen removal, for move pairing
}

type pendingRemoval struct {
	path  string
	isDir bool
	at    time.Time
}

// NewWatcher constructs a Watcher over rootDir, feeding translated events
// into pipeline.
func NewWatcher(rootDir string, pipeline *icloudsync.EventPipeline) *Watcher {
	return &Watcher{
		RootDir:  rootDir,
		Pipeline: pipeline,
		pending:  make(map[string]pendingRemoval),
	}
}

// Run blocks until ctx is canceled, translating filesystem events the whole
// time. A watcher error is retried with exponential backoff; a missing root
// directory terminates the run.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.RootDir); err != nil {
		return err
	}

	backoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			w.handle(ctx, watcher, ev)
			backoff = watchErrInitBackoff
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			slog.Warn("filesystem watcher error", "error", err, "backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}

			if _, statErr := os.Stat(w.RootDir); statErr != nil {
				return statErr
			}

			backoff *= 2
			if backoff > watchErrMaxBackoff {
				backoff = watchErrMaxBackoff
			}
		}
	}
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("walk error while adding watches", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			if addErr := watcher.Add(path); addErr != nil {
				slog.Warn("failed to add watch", "path", path, "error", addErr)
			}
		}

		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(w.RootDir, ev.Name)
	if err != nil {
		return
	}

	relPath := icloudsync.NormalizePath(norm.NFC.String(filepath.ToSlash(rel)))

	switch {
	case ev.Has(fsnotify.Create):
		w.handleCreate(ctx, watcher, ev.Name, relPath)
	case ev.Has(fsnotify.Write):
		w.emitFile(ctx, relPath, icloudsync.FileModified)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.handleRemoval(ctx, relPath)
	}
}

func (w *Watcher) handleCreate(ctx context.Context, watcher *fsnotify.Watcher, absPath, relPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		return
	}

	if info.IsDir() {
		if addErr := watcher.Add(absPath); addErr != nil {
			slog.Warn("failed to add watch on new directory", "path", relPath, "error", addErr)
		}
	}

	base := filepath.Base(relPath)

	w.mu.Lock()
	removal, ok := w.pending[base]
	if ok {
		delete(w.pending, base)
	}
	w.mu.Unlock()

	if ok && time.Since(removal.at) < renamePairWindow && removal.isDir == info.IsDir() && removal.path != relPath {
		kind := icloudsync.FileMoved
		if info.IsDir() {
			kind = icloudsync.FolderMoved
		}

		w.Pipeline.Enqueue(icloudsync.Event{Kind: kind, Src: removal.path, Dst: relPath, IsDir: info.IsDir(), TS: time.Now()})

		return
	}

	kind := icloudsync.FileCreated
	if info.IsDir() {
		kind = icloudsync.FolderCreated
	}

	w.Pipeline.Enqueue(icloudsync.Event{Kind: kind, Src: relPath, IsDir: info.IsDir(), TS: time.Now()})
}

func (w *Watcher) handleRemoval(ctx context.Context, relPath string) {
	isDir := false
	if w.WasDir != nil {
		isDir = w.WasDir(relPath)
	}

	base := filepath.Base(relPath)

	w.mu.Lock()
	w.pending[base] = pendingRemoval{path: relPath, isDir: isDir, at: time.Now()}
	w.mu.Unlock()

	go func() {
		time.Sleep(renamePairWindow)

		w.mu.Lock()
		removal, ok := w.pending[base]
		if ok && removal.path == relPath {
			delete(w.pending, base)
		}
		w.mu.Unlock()

		if !ok {
			return
		}

		kind := icloudsync.FileDeleted
		if removal.isDir {
			kind = icloudsync.FolderDeleted
		}

		w.Pipeline.Enqueue(icloudsync.Event{Kind: kind, Src: removal.path, IsDir: removal.isDir, TS: time.Now()})
	}()
}

func (w *Watcher) emitFile(ctx context.Context, relPath string, kind icloudsync.EventKind) {
	w.Pipeline.Enqueue(icloudsync.Event{Kind: kind, Src: relPath, TS: time.Now()})
}
