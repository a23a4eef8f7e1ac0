package icloudsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNode_Variants_IsDirIsRemote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		node       Node
		wantDir    bool
		wantRemote bool
	}{
		{"local file", LocalFile{Name: "a.txt"}, false, false},
		{"local folder", LocalFolder{Name: "dir"}, true, false},
		{"remote file", RemoteFile{Name: "a.txt"}, false, true},
		{"remote folder", RemoteFolder{Name: "dir"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantDir, tt.node.IsDir())
			assert.Equal(t, tt.wantRemote, tt.node.IsRemote())
		})
	}
}

func TestNode_NodeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.txt", LocalFile{Name: "a.txt"}.NodeName())
	assert.Equal(t, "dir", LocalFolder{Name: "dir"}.NodeName())
	assert.Equal(t, "a.txt", RemoteFile{Name: "a.txt"}.NodeName())
	assert.Equal(t, "dir", RemoteFolder{Name: "dir"}.NodeName())
}

func TestNewLocalFileNode_RoundsMtimeAndNormalizesCtime(t *testing.T) {
	t.Parallel()

	mtime := time.Date(2026, 1, 1, 12, 0, 0, 250_000_000, time.UTC)
	ctime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))

	n := NewLocalFileNode("a.txt", 10, mtime, ctime)

	assert.Zero(t, n.Mtime.Nanosecond(), "mtime must be rounded to whole-second precision")
	assert.Equal(t, time.UTC, n.Ctime.Location())
	assert.Equal(t, int64(10), n.Size)
}
