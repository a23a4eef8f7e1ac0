package config

import "os"

// Environment variable names for overrides (spec.md §6 leaves the precise
// names open; these mirror the CLI flags they shadow).
const (
	EnvConfig    = "ICLOUDDS_CONFIG"
	EnvDirectory = "ICLOUDDS_DIRECTORY"
	EnvUsername  = "ICLOUDDS_USERNAME"
	EnvPassword  = "ICLOUDDS_PASSWORD"
)

// EnvOverrides holds values read from the environment.
type EnvOverrides struct {
	ConfigPath string
	Directory  string
	Username   string
	Password   string
}

// ReadEnvOverrides reads the override environment variables. It does not
// mutate a Config; callers apply the fields that are non-empty.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Directory:  os.Getenv(EnvDirectory),
		Username:   os.Getenv(EnvUsername),
		Password:   os.Getenv(EnvPassword),
	}
}
