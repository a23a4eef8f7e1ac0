package icloudsync

import "time"

// RoundMtime rounds t to whole-second UTC precision so that local and
// remote timestamps for equal-content files compare equal (spec.md §3,
// "Time rounding"). Filesystems on the "rounds up" family (see
// mtime_linux.go / mtime_darwin.go) add half a second before truncating;
// others truncate outright.
func RoundMtime(t time.Time) time.Time {
	u := t.UTC()

	if mtimeRoundsUp {
		u = u.Add(500 * time.Millisecond)
	}

	return u.Truncate(time.Second)
}
