package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{EnvRedisURL, EnvFallbackDir, EnvHeartbeatSeconds, EnvHungSeconds, EnvLockTTLSeconds} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	env := FromEnv()
	assert.Equal(t, DefaultRedisURL, env.RedisURL)
	assert.Equal(t, 30*time.Second, env.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, env.HungThreshold)
	assert.Equal(t, 600*time.Second, env.LockTTL)
	assert.NotEmpty(t, env.FallbackDir)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://kv.internal:6380/2")
	t.Setenv(EnvFallbackDir, "/var/lib/agentcoord")
	t.Setenv(EnvHeartbeatSeconds, "10")
	t.Setenv(EnvHungSeconds, "120")
	t.Setenv(EnvLockTTLSeconds, "60")

	env := FromEnv()
	assert.Equal(t, "redis://kv.internal:6380/2", env.RedisURL)
	assert.Equal(t, "/var/lib/agentcoord", env.FallbackDir)
	assert.Equal(t, 10*time.Second, env.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, env.HungThreshold)
	assert.Equal(t, 60*time.Second, env.LockTTL)
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvHeartbeatSeconds, "soon")
	env := FromEnv()
	assert.Equal(t, 30*time.Second, env.HeartbeatInterval)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcoord.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
scaler:
  min_workers: 1
  max_workers: 8
  tasks_per_worker: 4
workers:
  mode: docker
  image: agentcoord-worker:latest
  tags: [backend, go]
llm:
  max_concurrent: 2
  daily_dollars: 50.0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Scaler.MinWorkers)
	assert.Equal(t, 8, cfg.Scaler.MaxWorkers)
	assert.Equal(t, 4, *cfg.Scaler.TasksPerWorker)
	assert.Equal(t, "docker", cfg.Workers.Mode)
	assert.Equal(t, []string{"backend", "go"}, cfg.Workers.Tags)
	assert.Equal(t, 2, *cfg.LLM.MaxConcurrent)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("max below min", func(t *testing.T) {
		_, err := Load(writeConfig(t, "scaler:\n  min_workers: 5\n  max_workers: 2\n"))
		assert.ErrorContains(t, err, "max_workers")
	})

	t.Run("docker without image", func(t *testing.T) {
		_, err := Load(writeConfig(t, "workers:\n  mode: docker\n"))
		assert.ErrorContains(t, err, "workers.image")
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := Load(writeConfig(t, "workers:\n  mode: zeppelin\n"))
		assert.ErrorContains(t, err, "workers.mode")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		assert.Error(t, err)
	})
}
