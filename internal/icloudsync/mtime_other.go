//go:build !linux && !darwin

package icloudsync

// mtimeRoundsUp defaults to the truncating family on unrecognized platforms.
const mtimeRoundsUp = false
