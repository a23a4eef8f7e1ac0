package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

const appName = "icloudds"

const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for the config
// file. On Linux, respects XDG_CONFIG_HOME. On macOS, uses
// ~/Library/Application Support per Apple convention.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultCookieDir returns the platform-specific directory for cached
// authentication cookies, separate from the config file itself so it can
// carry tighter permissions.
func DefaultCookieDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName, "cookies")
		}

		return filepath.Join(home, ".local", "share", appName, "cookies")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName, "cookies")
	default:
		return filepath.Join(home, ".config", appName, "cookies")
	}
}

// DefaultPIDPath returns the path of the lock file used when no sync
// directory is known yet (e.g. before flags/config are resolved). Running
// daemons lock a directory-scoped path instead; see PIDPathForDirectory.
func DefaultPIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName+".pid")
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, appName+".pid")
		}

		return filepath.Join(home, ".local", "share", appName, appName+".pid")
	default:
		return filepath.Join(home, "Library", "Application Support", appName, appName+".pid")
	}
}

// PIDPathForDirectory returns the lock file path scoped to a specific sync
// directory, so two icloudds daemons syncing different directories don't
// contend for the same lock while two daemons pointed at the same directory
// still collide (spec.md §5: "a single process-wide file lock prevents two
// instances on the same directory"). syncDir should be absolute — callers
// resolve it with filepath.Abs before this point so the same directory
// always hashes to the same path regardless of the working directory a
// daemon or the `reload` subcommand was launched from.
func PIDPathForDirectory(syncDir string) string {
	sum := sha256.Sum256([]byte(syncDir))

	return filepath.Join(filepath.Dir(DefaultPIDPath()), fmt.Sprintf("%s-%x.pid", appName, sum[:8]))
}
