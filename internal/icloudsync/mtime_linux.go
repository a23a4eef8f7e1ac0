//go:build linux

package icloudsync

// mtimeRoundsUp is false on Linux: ext4/xfs/btrfs report sub-second mtimes
// that this engine truncates rather than rounds (spec.md §3).
const mtimeRoundsUp = false
