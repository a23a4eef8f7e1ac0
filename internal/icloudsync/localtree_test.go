package icloudsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalTree(t *testing.T, root string, ignore []string) *LocalTree {
	t.Helper()

	filter, err := NewFilterSet(ignore, nil)
	require.NoError(t, err)

	return NewLocalTree(root, filter)
}

func TestLocalTree_Refresh_WalksSubtree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "sub", "b.txt"), []byte("there"), 0o644))

	tree := newTestLocalTree(t, root, nil)
	require.NoError(t, tree.Refresh())

	assert.True(t, tree.Paths.Contains(RootPath))
	assert.True(t, tree.Paths.Contains("docs"))
	assert.True(t, tree.Paths.Contains("docs/a.txt"))
	assert.True(t, tree.Paths.Contains("docs/sub"))
	assert.True(t, tree.Paths.Contains("docs/sub/b.txt"))

	n, ok := tree.Paths.Get("docs/a.txt")
	require.True(t, ok)
	file, ok := n.(LocalFile)
	require.True(t, ok)
	assert.Equal(t, int64(2), file.Size)
}

func TestLocalTree_Refresh_HonorsFilter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("k"), 0o644))

	tree := newTestLocalTree(t, root, []string{"^node_modules$"})
	require.NoError(t, tree.Refresh())

	assert.False(t, tree.Paths.Contains("node_modules"))
	assert.False(t, tree.Paths.Contains("node_modules/x.js"))
	assert.True(t, tree.Paths.Contains("keep.txt"))
}

func TestLocalTree_Refresh_ClearsPriorState(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	tree := newTestLocalTree(t, root, nil)
	tree.Paths.Put("stale/path", LocalFile{Name: "path"})

	require.NoError(t, tree.Refresh())

	assert.False(t, tree.Paths.Contains("stale/path"))
}

func TestLocalTree_Add_BackfillsAncestorsAndInsertsFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "c.txt"), []byte("c"), 0o644))

	tree := newTestLocalTree(t, root, nil)

	n, ok := tree.Add("a/b/c.txt")
	require.True(t, ok)
	assert.False(t, n.IsDir())

	assert.True(t, tree.Paths.Contains("a"))
	assert.True(t, tree.Paths.Contains("a/b"))
	assert.True(t, tree.Paths.Contains("a/b/c.txt"))
}

func TestLocalTree_Add_MissingEntryReturnsFalse(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tree := newTestLocalTree(t, root, nil)

	_, ok := tree.Add("never-existed.txt")
	assert.False(t, ok)
}

func TestLocalTree_ReKeyAndPrune(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tree := newTestLocalTree(t, root, nil)
	tree.Paths.Put("docs", LocalFolder{Name: "docs"})
	tree.Paths.Put("docs/a.txt", LocalFile{Name: "a.txt"})

	tree.ReKey("docs", "archive")
	assert.True(t, tree.Paths.Contains("archive/a.txt"))

	tree.Prune("archive", true)
	assert.False(t, tree.Paths.Contains("archive"))
	assert.False(t, tree.Paths.Contains("archive/a.txt"))
}
