// Package config implements TOML configuration loading and the
// defaults -> file -> environment -> CLI override chain for icloudds.
package config

import "time"

// Config is the top-level configuration for a single sync run (spec.md §6).
// Unlike a multi-drive client, icloudds has exactly one profile: one local
// directory synced against one iCloud Drive account.
type Config struct {
	Directory      string `toml:"directory"`
	Username       string `toml:"username"`
	CookieDir      string `toml:"cookie_directory"`
	IgnoreRegexes  string `toml:"ignore_regexes_file"`
	IncludeRegexes string `toml:"include_regexes_file"`
	LoggingConfig  string `toml:"logging_config"`

	ICloudCheckPeriod   Duration `toml:"icloud_check_period"`
	ICloudRefreshPeriod Duration `toml:"icloud_refresh_period"`
	DebouncePeriod      Duration `toml:"debounce_period"`
	MaxWorkers          int      `toml:"max_workers"`
}

// Duration wraps time.Duration so it can be decoded from a TOML string like
// "90s" while still being usable as a plain time.Duration everywhere else.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// uses for any type assignable from a TOML string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed

	return nil
}

// MarshalText implements encoding.TextMarshaler, used when writing a
// generated config file back out.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
