package icloudsync

import (
	"context"
	"io"
	"time"
)

// RemoteHandle is an opaque reference to a node on the remote drive, minted
// and interpreted only by the RemoteDriveClient implementation. The core
// never inspects it.
type RemoteHandle = any

// RemoteChildInfo describes one child returned by RemoteDriveClient.Children.
type RemoteChildInfo struct {
	Name     string
	IsFolder bool
	Size     int64
	Mtime    time.Time
	Ctime    time.Time
	StableID string
	Handle   RemoteHandle

	// Populated only when IsFolder is true.
	FileCount           int
	DirectChildrenCount int
	NumberOfItems       int
}

// RemoteDriveClient is the consumer-defined surface RemoteTree needs from
// the remote drive. Credential handling, transport, and the wire protocol
// are external collaborators (spec.md §1); this interface is the seam.
type RemoteDriveClient interface {
	RootHandle(ctx context.Context) (RemoteChildInfo, error)
	TrashHandle(ctx context.Context) (RemoteChildInfo, error)

	Children(ctx context.Context, parent RemoteHandle) ([]RemoteChildInfo, error)

	Upload(ctx context.Context, parent RemoteHandle, name string, r io.Reader, mtime, ctime time.Time) (RemoteChildInfo, error)
	Download(ctx context.Context, handle RemoteHandle) (io.ReadCloser, error)
	Delete(ctx context.Context, parent, handle RemoteHandle) error
	Rename(ctx context.Context, handle RemoteHandle, newName string) error
	Move(ctx context.Context, handle, newParent RemoteHandle) error
	Mkdir(ctx context.Context, parent RemoteHandle, name string) (RemoteChildInfo, error)

	// RootFileCount and TrashItemCount are cheap counter probes used by the
	// dirty-check periodic job (spec.md §4.8).
	RootFileCount(ctx context.Context) (int, error)
	TrashItemCount(ctx context.Context) (int, error)

	// TrashRestorePath returns the path a trashed item would be restored
	// to, used to drive initial-sync garbage collection (spec.md §3).
	TrashRestorePath(ctx context.Context, handle RemoteHandle) (string, error)
}

// Authenticator lazily establishes a RemoteDriveClient. Credential handling
// and two-factor prompts live entirely behind this seam (spec.md §1).
type Authenticator interface {
	Authenticate(ctx context.Context) (RemoteDriveClient, error)
}

// AuthError marks an error that should clear the authenticated flag and
// raise the jobs-disabled signal (spec.md §4.4 error classification: "auth
// / response exceptions").
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// MismatchError marks an inconsistent refresh (spec.md §4.4: "mismatch
// exception... log-and-discard").
type MismatchError struct {
	RootCount, TotalFiles int
}

func (e *MismatchError) Error() string {
	return "inconsistent refresh"
}
