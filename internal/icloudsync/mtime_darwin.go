//go:build darwin

package icloudsync

// mtimeRoundsUp is true on macOS: APFS/HFS+ stat precision combined with the
// way Finder/iCloud report whole-second mtimes means truncation alone would
// make locally-modified files compare one second older than their remote
// counterpart roughly half the time. Rounding up cancels that bias
// (spec.md §3).
const mtimeRoundsUp = true
