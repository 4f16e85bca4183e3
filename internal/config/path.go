// Package config resolves taxflow settings from viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is the directory holding config.yaml and saved credentials. It follows
// XDG_CONFIG_HOME and falls back to ~/.config/taxflow.
func Dir() (string, error) {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "taxflow"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taxflow"), nil
}

// ExpandPath resolves a leading ~ and $VAR references in a configured path.
// An unresolvable home directory leaves the ~ in place.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
