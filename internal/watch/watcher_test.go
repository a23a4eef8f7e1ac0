package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gordonaspin/icloudds/internal/icloudsync"
)

func drainEvents(t *testing.T, pipeline *icloudsync.EventPipeline, debounce time.Duration) []icloudsync.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), debounce+500*time.Millisecond)
	defer cancel()

	return pipeline.Drain(ctx)
}

func TestWatcher_Create_EmitsFileCreated(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	filter, err := icloudsync.NewFilterSet(nil, nil)
	require.NoError(t, err)

	pipeline := icloudsync.NewEventPipeline(filter, filter, icloudsync.DefaultDebouncePeriod)
	watcher := NewWatcher(root, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	events := drainEvents(t, pipeline, 10*time.Millisecond)
	require.NotEmpty(t, events)
	assert.Equal(t, icloudsync.FileCreated, events[0].Kind)
	assert.Equal(t, "a.txt", events[0].Src)
}

func TestWatcher_CreateDirectory_AddsRecursiveWatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	filter, err := icloudsync.NewFilterSet(nil, nil)
	require.NoError(t, err)

	pipeline := icloudsync.NewEventPipeline(filter, filter, icloudsync.DefaultDebouncePeriod)
	watcher := NewWatcher(root, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("hi"), 0o644))

	events := drainEvents(t, pipeline, 10*time.Millisecond)

	var sawDir, sawNestedFile bool

	for _, ev := range events {
		if ev.Kind == icloudsync.FolderCreated && ev.Src == "sub" {
			sawDir = true
		}

		if ev.Kind == icloudsync.FileCreated && ev.Src == "sub/b.txt" {
			sawNestedFile = true
		}
	}

	assert.True(t, sawDir, "expected FolderCreated for sub")
	assert.True(t, sawNestedFile, "expected FileCreated for sub/b.txt")
}

func TestWatcher_RemoveWithoutPairedCreate_EmitsDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))

	filter, err := icloudsync.NewFilterSet(nil, nil)
	require.NoError(t, err)

	pipeline := icloudsync.NewEventPipeline(filter, filter, icloudsync.DefaultDebouncePeriod)
	watcher := NewWatcher(root, pipeline)
	watcher.WasDir = func(relPath string) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Remove(target))

	events := drainEvents(t, pipeline, renamePairWindow+200*time.Millisecond)
	require.NotEmpty(t, events)
	assert.Equal(t, icloudsync.FileDeleted, events[0].Kind)
	assert.Equal(t, "a.txt", events[0].Src)
}

func TestWatcher_RenamePairing_EmitsMoved(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldPath := filepath.Join(root, "old.txt")
	newPath := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("hi"), 0o644))

	filter, err := icloudsync.NewFilterSet(nil, nil)
	require.NoError(t, err)

	pipeline := icloudsync.NewEventPipeline(filter, filter, icloudsync.DefaultDebouncePeriod)
	watcher := NewWatcher(root, pipeline)
	watcher.WasDir = func(relPath string) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Rename(oldPath, newPath))

	events := drainEvents(t, pipeline, 10*time.Millisecond)
	require.NotEmpty(t, events)
	assert.Equal(t, icloudsync.FileMoved, events[0].Kind)
	assert.Equal(t, "old.txt", events[0].Src)
	assert.Equal(t, "new.txt", events[0].Dst)
}
