package icloudsync

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalTree scans the local subtree and maintains a PathMap of NodeRecords
// for it (spec.md §4.3, component C4).
type LocalTree struct {
	RootDir string // absolute OS path to the configured local root
	Filter  *FilterSet
	Paths   *PathMap
}

// NewLocalTree constructs an empty LocalTree rooted at rootDir.
func NewLocalTree(rootDir string, filter *FilterSet) *LocalTree {
	return &LocalTree{
		RootDir: rootDir,
		Filter:  filter,
		Paths:   NewPathMap(),
	}
}

// Refresh clears the map, inserts the root folder record, then walks the
// subtree depth-first, following symlinks, inserting one NodeRecord per
// entry that survives the filter.
func (t *LocalTree) Refresh() error {
	slog.Debug("refreshing local tree", "root", t.RootDir)

	t.Paths.Clear()
	t.Paths.Put(RootPath, LocalFolder{Name: RootPath})

	if err := t.addChildren(RootPath); err != nil {
		return err
	}

	slog.Debug("local tree refreshed", "entries", t.Paths.Len())

	return nil
}

func (t *LocalTree) addChildren(relDir string) error {
	absDir := t.absPath(relDir)

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsPermission(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		childRel := JoinPath(relDir, entry.Name())

		info, err := os.Stat(filepath.Join(absDir, entry.Name())) // follows symlinks
		if err != nil {
			// Disappeared between ReadDir and Stat; tolerate the race.
			continue
		}

		switch {
		case info.Mode().IsRegular():
			if t.Filter.Ignore(childRel, false) {
				continue
			}

			t.Paths.Put(childRel, nodeFromFileInfo(entry.Name(), info))
		case info.IsDir():
			if t.Filter.Ignore(childRel, true) {
				continue
			}

			t.Paths.Put(childRel, LocalFolder{Name: entry.Name()})

			if err := t.addChildren(childRel); err != nil {
				return err
			}
		}
	}

	return nil
}

// Add backfills any missing ancestor folder records for path, then stats it
// and inserts a LocalFile or LocalFolder record. Returns nil (the second
// return value false) if the entry is neither a regular file nor a
// directory — a race with a concurrent deletion.
func (t *LocalTree) Add(relPath string) (Node, bool) {
	parent := ParentPath(relPath)

	if parent != RootPath {
		segments := strings.Split(parent, "/")
		acc := RootPath

		for _, seg := range segments {
			acc = JoinPath(acc, seg)
			t.Paths.Put(acc, LocalFolder{Name: BaseName(acc)})
		}
	}

	abs := t.absPath(relPath)

	info, err := os.Stat(abs)
	if err != nil {
		return nil, false
	}

	switch {
	case info.Mode().IsRegular():
		n := nodeFromFileInfo(BaseName(relPath), info)
		t.Paths.Put(relPath, n)

		return n, true
	case info.IsDir():
		n := LocalFolder{Name: BaseName(relPath)}
		t.Paths.Put(relPath, n)

		return n, true
	default:
		return nil, false
	}
}

// ReKey delegates to the underlying PathMap (spec.md §4.3).
func (t *LocalTree) ReKey(oldPath, newPath string) {
	t.Paths.ReKey(oldPath, newPath)
}

// Prune delegates to the underlying PathMap.
func (t *LocalTree) Prune(path string, inclusive bool) {
	t.Paths.Prune(path, inclusive)
}

// Pop delegates to the underlying PathMap.
func (t *LocalTree) Pop(path string) (Node, bool) {
	return t.Paths.Pop(path)
}

func (t *LocalTree) absPath(relPath string) string {
	if relPath == RootPath {
		return t.RootDir
	}

	return filepath.Join(t.RootDir, filepath.FromSlash(relPath))
}

func nodeFromFileInfo(name string, info os.FileInfo) LocalFile {
	return NewLocalFileNode(name, info.Size(), info.ModTime(), ctimeOf(info))
}

// ctimeOf returns the platform's best notion of a ctime for info.
// Open question per spec.md §9: whether this is OS birth-time or
// inode-change-time is platform-dependent, and the core never relies on it
// for equality — only mtime and size participate in the freshness
// comparison (spec.md §4.6).
func ctimeOf(info os.FileInfo) time.Time {
	return platformCtime(info)
}
