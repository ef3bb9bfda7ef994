package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.ShutdownDrainWait)
	assert.Equal(t, time.Hour, cfg.JobRetention)
	assert.Empty(t, cfg.DatabasePath)
	assert.Nil(t, cfg.AdminUsers)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ADMIN_USERS", "root,ops")
	t.Setenv("JOB_RETENTION", "30m")
	t.Setenv("DOCKER_ENABLED", "true")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, []string{"root", "ops"}, cfg.AdminUsers)
	assert.Equal(t, 30*time.Minute, cfg.JobRetention)
	assert.True(t, cfg.DockerEnabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automation.yaml")
	content := "work_dir: /srv/jobs\nstart_rate: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/jobs", cfg.WorkDir)
	assert.Equal(t, 10, cfg.StartRatePerMinute)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("JOB_RETENTION", "0s")

	_, err := Load(NewViper(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_retention")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
