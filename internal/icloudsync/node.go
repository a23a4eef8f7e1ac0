package icloudsync

import "time"

// Node is the common surface of the four NodeRecord variants (spec.md §3).
// A folder record never references its children directly — the PathMap is
// the only owner of the path→Node relationship — so Node values are
// immutable snapshots that can be copied and compared freely.
type Node interface {
	// NodeName returns the record's base name.
	NodeName() string
	// IsDir reports whether the node is a folder variant.
	IsDir() bool
	// IsRemote reports whether the node originates from the remote tree.
	IsRemote() bool
}

// LocalFile is a file entry observed on the local filesystem.
type LocalFile struct {
	Name  string
	Size  int64
	Mtime time.Time // UTC, rounded per RoundMtime
	Ctime time.Time // UTC; platform birth-time or inode-change-time (spec.md §9)
}

func (LocalFile) IsDir() bool      { return false }
func (LocalFile) IsRemote() bool   { return false }
func (f LocalFile) NodeName() string { return f.Name }

// LocalFolder is a directory entry observed on the local filesystem.
type LocalFolder struct {
	Name string
}

func (LocalFolder) IsDir() bool        { return true }
func (LocalFolder) IsRemote() bool     { return false }
func (f LocalFolder) NodeName() string { return f.Name }

// RemoteFile is a file entry materialized from the remote drive.
type RemoteFile struct {
	Name     string
	Size     int64
	Mtime    time.Time // whole-second UTC (spec.md §3)
	Ctime    time.Time
	StableID string // opaque, persistent per-node identifier issued by the remote service
	Handle   any    // opaque remote node handle, passed back to RemoteDriveClient calls
}

func (RemoteFile) IsDir() bool      { return false }
func (RemoteFile) IsRemote() bool   { return true }
func (f RemoteFile) NodeName() string { return f.Name }

// RemoteFolder is a directory entry materialized from the remote drive.
type RemoteFolder struct {
	Name                 string
	StableID             string
	FileCount            int // total files under this folder, as reported by the remote service
	DirectChildrenCount  int
	NumberOfItems        int
	Handle               any
}

func (RemoteFolder) IsDir() bool        { return true }
func (RemoteFolder) IsRemote() bool     { return true }
func (f RemoteFolder) NodeName() string { return f.Name }

// NewLocalFileNode builds a LocalFile record from raw stat-derived values,
// rounding the modification time per RoundMtime so local and remote
// timestamps compare equal for unchanged content.
func NewLocalFileNode(name string, size int64, mtime, ctime time.Time) LocalFile {
	return LocalFile{
		Name:  name,
		Size:  size,
		Mtime: RoundMtime(mtime),
		Ctime: ctime.UTC(),
	}
}
