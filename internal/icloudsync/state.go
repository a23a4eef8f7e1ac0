package icloudsync

import "sync/atomic"

// JobsDisabled is an edge-triggered signal set by the remote client on auth
// failures; periodic jobs test it and skip while set (spec.md §5, §9
// "global state").
type JobsDisabled struct {
	flag atomic.Bool
}

// Set raises the signal.
func (j *JobsDisabled) Set() { j.flag.Store(true) }

// Clear lowers the signal, typically after a successful re-authentication.
func (j *JobsDisabled) Clear() { j.flag.Store(false) }

// IsSet reports the current signal state.
func (j *JobsDisabled) IsSet() bool { return j.flag.Load() }
