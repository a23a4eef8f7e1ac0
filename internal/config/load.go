package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults. This supports a zero-config first run
// driven entirely by flags.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return cfg, nil
	}

	logger.Debug("loading config file", "path", path)

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	clampPeriods(cfg)

	return cfg, nil
}

// CLIOverrides holds values taken directly from command-line flags. A
// pointer field distinguishes "not set" from "set to the zero value".
type CLIOverrides struct {
	ConfigPath     string
	Directory      string
	Username       string
	CookieDir      string
	IgnoreRegexes  string
	IncludeRegexes string
	LoggingConfig  string

	CheckPeriod    *Duration
	RefreshPeriod  *Duration
	DebouncePeriod *Duration
	MaxWorkers     *int
}

// Resolve applies the defaults -> file -> environment -> CLI override chain
// and validates the result (spec.md §6).
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Config, error) {
	cfgPath := cli.ConfigPath
	if cfgPath == "" {
		cfgPath = env.ConfigPath
	}

	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	if env.Directory != "" {
		cfg.Directory = env.Directory
	}

	if env.Username != "" {
		cfg.Username = env.Username
	}

	applyCLIOverrides(cfg, cli)
	clampPeriods(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyCLIOverrides(cfg *Config, cli CLIOverrides) {
	if cli.Directory != "" {
		cfg.Directory = cli.Directory
	}

	if cli.Username != "" {
		cfg.Username = cli.Username
	}

	if cli.CookieDir != "" {
		cfg.CookieDir = cli.CookieDir
	}

	if cli.IgnoreRegexes != "" {
		cfg.IgnoreRegexes = cli.IgnoreRegexes
	}

	if cli.IncludeRegexes != "" {
		cfg.IncludeRegexes = cli.IncludeRegexes
	}

	if cli.LoggingConfig != "" {
		cfg.LoggingConfig = cli.LoggingConfig
	}

	if cli.CheckPeriod != nil {
		cfg.ICloudCheckPeriod = *cli.CheckPeriod
	}

	if cli.RefreshPeriod != nil {
		cfg.ICloudRefreshPeriod = *cli.RefreshPeriod
	}

	if cli.DebouncePeriod != nil {
		cfg.DebouncePeriod = *cli.DebouncePeriod
	}

	if cli.MaxWorkers != nil {
		cfg.MaxWorkers = *cli.MaxWorkers
	}
}
