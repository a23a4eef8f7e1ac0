package config

import (
	"fmt"
	"os"
)

// Validate checks the fully-resolved config for the preconditions spec.md
// §5 treats as fatal startup errors (missing-argument, not-a-directory).
func Validate(cfg *Config) error {
	if cfg.Directory == "" {
		return fmt.Errorf("missing-argument: directory is required")
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return fmt.Errorf("not-a-directory: %s: %w", cfg.Directory, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("not-a-directory: %s is not a directory", cfg.Directory)
	}

	if cfg.Username == "" {
		return fmt.Errorf("missing-argument: username is required")
	}

	return nil
}
