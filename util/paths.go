package util

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides the config directory, mostly for containers.
const ConfigDirEnv = "FERRI_CONFIG_DIR"

// ConfigDir returns the directory holding config.yaml, the database and the
// key, creating it when missing: $FERRI_CONFIG_DIR, else ~/.config/ferri.
func ConfigDir() (string, error) {
	dir := os.Getenv(ConfigDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath maps a configured file name to a path. Absolute paths and
// files present in the working directory win; otherwise the file lives in
// ConfigDir, whether or not it exists yet.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) || exists(filename) {
		return filename
	}
	dir, err := ConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
