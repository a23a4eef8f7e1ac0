//go:build linux

package icloudsync

import (
	"os"
	"syscall"
	"time"
)

// platformCtime returns the inode-change-time on Linux; ext4/xfs/btrfs don't
// expose a birth-time through syscall.Stat_t (spec.md §9 open question).
func platformCtime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime().UTC()
	}

	return time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec).UTC()
}
