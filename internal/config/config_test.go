package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, "database_path: /tmp/foreman.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "fifo", cfg.Scheduler)
	assert.Equal(t, "/tmp/foreman.db", cfg.DatabasePath)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "port: 9100\nscheduler: performance\nmax_attempts: 5\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "performance", cfg.Scheduler)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestLoadRejectsUnknownScheduler(t *testing.T) {
	path := writeConfig(t, "scheduler: quantum\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	path := writeConfig(t, "port: 70000\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
