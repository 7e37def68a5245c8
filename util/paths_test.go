package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "ferri")
	t.Setenv(ConfigDirEnv, dir)

	got, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	assert.DirExists(t, dir)
}

func TestResolveFilePath(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv(ConfigDirEnv, configDir)

	workDir := t.TempDir()
	t.Chdir(workDir)
	require.NoError(t, os.WriteFile("local.db", nil, 0o600))

	assert.Equal(t, "local.db", ResolveFilePath("local.db"), "working directory wins")
	assert.Equal(t, filepath.Join(configDir, "missing.db"), ResolveFilePath("missing.db"))

	abs := filepath.Join(workDir, "abs.db")
	assert.Equal(t, abs, ResolveFilePath(abs))
}
