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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "memory", cfg.KV.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Sequence.IdempotencyTTL)
	assert.False(t, cfg.Sequence.Strict)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.BackoffWindow)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
kv:
  backend: redis
  addr: redis.internal:6379
sequence:
  strict: true
orchestrator:
  max_concurrent: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.KV.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.KV.Addr)
	assert.True(t, cfg.Sequence.Strict)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrent)

	// Unset keys keep their defaults.
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FORGELINE_SERVER__PORT", "7070")
	t.Setenv("FORGELINE_KV__BACKEND", "redis")
	t.Setenv("FORGELINE_KV__ADDR", "envhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.KV.Backend)
	assert.Equal(t, "envhost:6379", cfg.KV.Addr)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad backend", func(c *Config) { c.KV.Backend = "etcd" }, "kv.backend"},
		{"redis without addr", func(c *Config) { c.KV.Backend = "redis"; c.KV.Addr = "" }, "kv.addr"},
		{"zero rate", func(c *Config) { c.RateLimit.Tenant.Rate = 0 }, "rates"},
		{"zero burst", func(c *Config) { c.RateLimit.Global.Burst = 0 }, "bursts"},
		{"zero workers", func(c *Config) { c.Dispatcher.Workers = 0 }, "dispatcher.workers"},
		{"zero queue", func(c *Config) { c.Dispatcher.QueueSize = 0 }, "dispatcher.queue_size"},
		{"zero ceiling", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero sweep interval", func(c *Config) { c.Orchestrator.SweepInterval = 0 }, "sweep_interval"},
		{"zero sync interval", func(c *Config) { c.Orchestrator.SyncInterval = 0 }, "sync_interval"},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
