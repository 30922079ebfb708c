package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "surrealdb", config.Storage.Backend)
	assert.Equal(t, "worker", config.Worker.Name)
	assert.Equal(t, 250*time.Millisecond, config.Worker.Plan.GetWorkJobs())
	assert.Equal(t, 3*time.Second, config.Worker.Plan.GetFlagJobs())
	assert.Equal(t, 10*time.Second, config.Worker.GetKillGrace())
	assert.Equal(t, 1, config.Queue.Attempts)
	assert.Equal(t, 300, config.Queue.DeferTime)
	assert.Equal(t, 1800, config.Queue.ZombieTime)
	assert.Equal(t, 5.0, config.Queue.ProgressInterval)
	assert.Equal(t, 24*time.Hour, config.Auth.GetTokenExpiry())
}

func TestLoadConfigMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.toml")
	content := `
environment = "production"

[server]
port = 9000

[storage]
backend = "memory"

[worker]
name = "batcher"

[worker.plan]
work_jobs = "100ms"
flag_jobs = "1s"

[queue]
attempts = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "memory", config.Storage.Backend)
	assert.Equal(t, "batcher", config.Worker.Name)
	assert.Equal(t, 100*time.Millisecond, config.Worker.Plan.GetWorkJobs())
	assert.Equal(t, time.Second, config.Worker.Plan.GetFlagJobs())
	assert.Equal(t, 3, config.Queue.Attempts)
	// Untouched sections keep defaults.
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestLoadConfigSkipsMissingFiles(t *testing.T) {
	config, err := LoadConfig("/no/such/file.toml")
	require.NoError(t, err)
	assert.Equal(t, "development", config.Environment)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DROVER_PORT", "7777")
	t.Setenv("DROVER_STORAGE_BACKEND", "memory")
	t.Setenv("DROVER_WORKER_NAME", "env-worker")
	t.Setenv("DROVER_WORK_JOBS_INTERVAL", "50ms")

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, "memory", config.Storage.Backend)
	assert.Equal(t, "env-worker", config.Worker.Name)
	assert.Equal(t, 50*time.Millisecond, config.Worker.Plan.GetWorkJobs())
}

func TestInvalidDurationsFallBack(t *testing.T) {
	plan := PlanConfig{WorkJobs: "bogus", FlagJobs: "-1s"}
	assert.Equal(t, 250*time.Millisecond, plan.GetWorkJobs())
	assert.Equal(t, 3*time.Second, plan.GetFlagJobs())

	worker := WorkerConfig{KillGrace: "??"}
	assert.Equal(t, 10*time.Second, worker.GetKillGrace())
}
