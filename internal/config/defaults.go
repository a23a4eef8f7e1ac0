package config

import (
	"runtime"
	"time"
)

// Minimum and default periods (spec.md §6). The minimums exist because a
// tighter loop than this does nothing but hammer the remote API and the
// local disk for no practical gain.
const (
	MinCheckPeriod    = 20 * time.Second
	MinRefreshPeriod  = 90 * time.Second
	MinDebouncePeriod = 10 * time.Second

	defaultCheckPeriod    = MinCheckPeriod
	defaultRefreshPeriod  = MinRefreshPeriod
	defaultDebouncePeriod = MinDebouncePeriod
)

// DefaultConfig returns a Config populated with every default value. It is
// the starting point both for TOML decoding and for a config-free first run.
func DefaultConfig() *Config {
	return &Config{
		ICloudCheckPeriod:   Duration{defaultCheckPeriod},
		ICloudRefreshPeriod: Duration{defaultRefreshPeriod},
		DebouncePeriod:      Duration{defaultDebouncePeriod},
		MaxWorkers:          runtime.NumCPU(),
	}
}

// clampPeriods raises any configured period up to its documented floor
// rather than rejecting the config outright — a config file hand-edited
// down to "1s" almost certainly meant "as fast as reasonably possible", not
// "reject my config".
func clampPeriods(cfg *Config) {
	if cfg.ICloudCheckPeriod.Duration < MinCheckPeriod {
		cfg.ICloudCheckPeriod.Duration = MinCheckPeriod
	}

	if cfg.ICloudRefreshPeriod.Duration < MinRefreshPeriod {
		cfg.ICloudRefreshPeriod.Duration = MinRefreshPeriod
	}

	if cfg.DebouncePeriod.Duration < MinDebouncePeriod {
		cfg.DebouncePeriod.Duration = MinDebouncePeriod
	}

	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
}
