package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Consumer.MaxConcurrentTasks)
}

func TestLoaderFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9999
redis:
  addr: redis.internal:6379
consumer:
  enabled: true
  max_concurrent_tasks: 50
  poll_interval: 250ms
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Consumer.Enabled)
	assert.Equal(t, 50, cfg.Consumer.MaxConcurrentTasks)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.PollInterval)
	// Untouched sections keep defaults.
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoaderMissingFileIsFine(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/vmx.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o644))

	t.Setenv("VMX_SERVER_HTTP_PORT", "7070")
	t.Setenv("VMX_REDIS_ADDR", "env-redis:6379")
	t.Setenv("VMX_CONSUMER_POLL_INTERVAL", "2s")
	t.Setenv("VMX_METRICS_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Consumer.PollInterval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoaderInvalidEnvValue(t *testing.T) {
	t.Setenv("VMX_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VMX_SERVER_HTTP_PORT")
}

func TestLoaderValidation(t *testing.T) {
	t.Setenv("VMX_DATABASE_DRIVER", "oracle")

	_, err := NewLoader().Load()
	require.Error(t, err)
}

func TestLoaderCustomValidator(t *testing.T) {
	sentinel := errors.New("rejected")
	_, err := NewLoader().
		WithValidator(func(*Config) error { return sentinel }).
		Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Server.HTTPPort = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Log.Level = "verbose"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Consumer.MaxConcurrentTasks = -1
	assert.Error(t, bad.Validate())
}
