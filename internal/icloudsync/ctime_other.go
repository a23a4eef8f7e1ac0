//go:build !linux && !darwin

package icloudsync

import (
	"os"
	"time"
)

// platformCtime falls back to mtime on platforms without a Stat_t ctime
// field; the core never depends on ctime for equality (spec.md §9).
func platformCtime(info os.FileInfo) time.Time {
	return info.ModTime().UTC()
}
