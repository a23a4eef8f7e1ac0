package remote

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/gordonaspin/icloudds/internal/icloudsync"
)

// fakeRemoteClientStub is a minimal RemoteDriveClient used only to prove
// that Authenticate wires a freshly minted or reloaded token through to the
// ClientFactory; none of its methods are exercised here.
type fakeRemoteClientStub struct{}

func (fakeRemoteClientStub) RootHandle(context.Context) (icloudsync.RemoteChildInfo, error) {
	return icloudsync.RemoteChildInfo{}, nil
}
func (fakeRemoteClientStub) TrashHandle(context.Context) (icloudsync.RemoteChildInfo, error) {
	return icloudsync.RemoteChildInfo{}, nil
}
func (fakeRemoteClientStub) Children(context.Context, icloudsync.RemoteHandle) ([]icloudsync.RemoteChildInfo, error) {
	return nil, nil
}
func (fakeRemoteClientStub) Upload(context.Context, icloudsync.RemoteHandle, string, io.Reader, time.Time, time.Time) (icloudsync.RemoteChildInfo, error) {
	return icloudsync.RemoteChildInfo{}, nil
}
func (fakeRemoteClientStub) Download(context.Context, icloudsync.RemoteHandle) (io.ReadCloser, error) {
	return nil, nil
}
func (fakeRemoteClientStub) Delete(context.Context, icloudsync.RemoteHandle, icloudsync.RemoteHandle) error {
	return nil
}
func (fakeRemoteClientStub) Rename(context.Context, icloudsync.RemoteHandle, string) error {
	return nil
}
func (fakeRemoteClientStub) Move(context.Context, icloudsync.RemoteHandle, icloudsync.RemoteHandle) error {
	return nil
}
func (fakeRemoteClientStub) Mkdir(context.Context, icloudsync.RemoteHandle, string) (icloudsync.RemoteChildInfo, error) {
	return icloudsync.RemoteChildInfo{}, nil
}
func (fakeRemoteClientStub) RootFileCount(context.Context) (int, error) { return 0, nil }
func (fakeRemoteClientStub) TrashItemCount(context.Context) (int, error) { return 0, nil }
func (fakeRemoteClientStub) TrashRestorePath(context.Context, icloudsync.RemoteHandle) (string, error) {
	return "", nil
}

func newFactory(client icloudsync.RemoteDriveClient, err error) ClientFactory {
	return func(context.Context, *http.Client, *oauth2.Token) (icloudsync.RemoteDriveClient, error) {
		return client, err
	}
}

func TestAuthenticator_SignIn_RequiresCredentials(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator("", "", t.TempDir(), newFactory(nil, nil), nil)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background())
	assert.Error(t, err)
}

func TestAuthenticator_SignIn_TwoFactorRequiredWithoutPrompt(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator("alice", "hunter2", t.TempDir(), newFactory(nil, nil), nil)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrTwoFactorRequired)
}

func TestAuthenticator_SignIn_EmptyCodeFails(t *testing.T) {
	t.Parallel()

	prompt := func(context.Context) (string, error) { return "", nil }

	a, err := NewAuthenticator("alice", "hunter2", t.TempDir(), newFactory(nil, nil), prompt)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrVerifyCodeFailed)
}

func TestAuthenticator_Authenticate_PersistsAndReusesSession(t *testing.T) {
	t.Parallel()

	cookieDir := t.TempDir()
	prompt := func(context.Context) (string, error) { return "123456", nil }
	calls := 0

	factory := func(context.Context, *http.Client, *oauth2.Token) (icloudsync.RemoteDriveClient, error) {
		calls++
		return fakeRemoteClientStub{}, nil
	}

	a, err := NewAuthenticator("alice", "hunter2", cookieDir, factory, prompt)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A fresh Authenticator sharing the same cookie dir should load the
	// cached session rather than prompting again.
	promptCalled := false
	prompt2 := func(context.Context) (string, error) { promptCalled = true; return "", ErrVerifyCodeFailed }

	a2, err := NewAuthenticator("alice", "hunter2", cookieDir, factory, prompt2)
	require.NoError(t, err)

	_, err = a2.Authenticate(context.Background())
	require.NoError(t, err)
	assert.False(t, promptCalled, "cached session should avoid a second 2FA prompt")
	assert.Equal(t, 2, calls)
}

func TestAuthenticator_Authenticate_PropagatesClientFactoryError(t *testing.T) {
	t.Parallel()

	prompt := func(context.Context) (string, error) { return "123456", nil }
	factoryErr := assert.AnError

	a, err := NewAuthenticator("alice", "hunter2", t.TempDir(), newFactory(nil, factoryErr), prompt)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background())
	assert.ErrorIs(t, err, factoryErr)
}
