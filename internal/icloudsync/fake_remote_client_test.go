package icloudsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// fakeNode is an in-memory stand-in for a node on the remote drive, used by
// fakeRemoteClient to exercise RemoteTree without a real wire client.
type fakeNode struct {
	name     string
	isFolder bool
	stableID string
	content  []byte
	mtime    time.Time
	ctime    time.Time
	parent   *fakeNode
	children []*fakeNode
	restore  string // populated only for entries parented under trash
}

func (n *fakeNode) fileCount() int {
	if !n.isFolder {
		return 1
	}

	total := 0
	for _, c := range n.children {
		total += c.fileCount()
	}

	return total
}

func (n *fakeNode) itemCount() int {
	total := len(n.children)
	for _, c := range n.children {
		if c.isFolder {
			total += c.itemCount()
		}
	}

	return total
}

// fakeRemoteClient implements RemoteDriveClient over an in-memory tree,
// grounded on the same root/trash split RemoteTree expects.
type fakeRemoteClient struct {
	root    *fakeNode
	trash   *fakeNode
	nextID  int
	authErr error
}

func newFakeRemoteClient() *fakeRemoteClient {
	return &fakeRemoteClient{
		root:  &fakeNode{name: RootPath, isFolder: true, stableID: "root"},
		trash: &fakeNode{name: RootPath, isFolder: true, stableID: "trash"},
	}
}

func (c *fakeRemoteClient) newID() string {
	c.nextID++
	return fmt.Sprintf("id-%d", c.nextID)
}

func (c *fakeRemoteClient) mkFolder(parent *fakeNode, name string) *fakeNode {
	n := &fakeNode{name: name, isFolder: true, stableID: c.newID(), parent: parent}
	parent.children = append(parent.children, n)

	return n
}

func (c *fakeRemoteClient) mkFile(parent *fakeNode, name string, content []byte, mtime time.Time) *fakeNode {
	n := &fakeNode{name: name, stableID: c.newID(), content: content, mtime: mtime, ctime: mtime, parent: parent}
	parent.children = append(parent.children, n)

	return n
}

func infoOf(n *fakeNode) RemoteChildInfo {
	info := RemoteChildInfo{
		Name:     n.name,
		IsFolder: n.isFolder,
		Size:     int64(len(n.content)),
		Mtime:    n.mtime,
		Ctime:    n.ctime,
		StableID: n.stableID,
		Handle:   n,
	}

	if n.isFolder {
		info.FileCount = n.fileCount()
		info.DirectChildrenCount = len(n.children)
		info.NumberOfItems = n.itemCount()
	}

	return info
}

func (c *fakeRemoteClient) RootHandle(context.Context) (RemoteChildInfo, error) {
	if c.authErr != nil {
		return RemoteChildInfo{}, c.authErr
	}

	return infoOf(c.root), nil
}

func (c *fakeRemoteClient) TrashHandle(context.Context) (RemoteChildInfo, error) {
	if c.authErr != nil {
		return RemoteChildInfo{}, c.authErr
	}

	return infoOf(c.trash), nil
}

func (c *fakeRemoteClient) Children(_ context.Context, parent RemoteHandle) ([]RemoteChildInfo, error) {
	n := parent.(*fakeNode)

	out := make([]RemoteChildInfo, 0, len(n.children))
	for _, child := range n.children {
		out = append(out, infoOf(child))
	}

	return out, nil
}

func (c *fakeRemoteClient) Upload(_ context.Context, parent RemoteHandle, name string, r io.Reader, mtime, _ time.Time) (RemoteChildInfo, error) {
	p := parent.(*fakeNode)

	data, err := io.ReadAll(r)
	if err != nil {
		return RemoteChildInfo{}, err
	}

	n := c.mkFile(p, name, data, mtime)

	return infoOf(n), nil
}

func (c *fakeRemoteClient) Download(_ context.Context, handle RemoteHandle) (io.ReadCloser, error) {
	n := handle.(*fakeNode)
	return io.NopCloser(bytes.NewReader(n.content)), nil
}

func (c *fakeRemoteClient) Delete(_ context.Context, parent, handle RemoteHandle) error {
	p := parent.(*fakeNode)
	n := handle.(*fakeNode)

	for i, child := range p.children {
		if child == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}

	return nil
}

func (c *fakeRemoteClient) Rename(_ context.Context, handle RemoteHandle, newName string) error {
	handle.(*fakeNode).name = newName
	return nil
}

func (c *fakeRemoteClient) Move(_ context.Context, handle, newParent RemoteHandle) error {
	n := handle.(*fakeNode)
	np := newParent.(*fakeNode)

	old := n.parent
	for i, child := range old.children {
		if child == n {
			old.children = append(old.children[:i], old.children[i+1:]...)
			break
		}
	}

	n.parent = np
	np.children = append(np.children, n)

	return nil
}

func (c *fakeRemoteClient) Mkdir(_ context.Context, parent RemoteHandle, name string) (RemoteChildInfo, error) {
	p := parent.(*fakeNode)
	n := c.mkFolder(p, name)

	return infoOf(n), nil
}

func (c *fakeRemoteClient) RootFileCount(context.Context) (int, error) {
	return c.root.fileCount(), nil
}

func (c *fakeRemoteClient) TrashItemCount(context.Context) (int, error) {
	return c.trash.itemCount(), nil
}

func (c *fakeRemoteClient) TrashRestorePath(_ context.Context, handle RemoteHandle) (string, error) {
	return handle.(*fakeNode).restore, nil
}

// fakeAuthenticator hands back a fixed client, or a configured error.
type fakeAuthenticator struct {
	client RemoteDriveClient
	err    error
}

func (a *fakeAuthenticator) Authenticate(context.Context) (RemoteDriveClient, error) {
	if a.err != nil {
		return nil, a.err
	}

	return a.client, nil
}
