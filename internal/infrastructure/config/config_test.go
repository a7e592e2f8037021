package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults when nothing is set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "datasync", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
		assert.Equal(t, 2, cfg.Remote.FetchRetries)
		assert.Equal(t, 2*time.Minute, cfg.Cache.UserTTL)
		assert.Equal(t, 5*time.Minute, cfg.Cache.SharedTTL)
		assert.Equal(t, 30*time.Minute, cfg.Cache.RefreshTTL)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, "hub", cfg.Bus.Transport)
		assert.True(t, cfg.Outbox.Enabled)
		assert.Equal(t, 2*time.Minute, cfg.Outbox.ProcessingLease)
		assert.True(t, cfg.HTTP.Enabled)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	})

	t.Run("environment overrides with DATASYNC prefix", func(t *testing.T) {
		t.Setenv("DATASYNC_REMOTE_BASE_URL", "http://backend:4000")
		t.Setenv("DATASYNC_REMOTE_TIMEOUT", "3s")
		t.Setenv("DATASYNC_STORE_DRIVER", "redis")
		t.Setenv("DATASYNC_REDIS_HOST", "cache.local")
		t.Setenv("DATASYNC_OUTBOX_ENABLED", "false")
		t.Setenv("DATASYNC_OUTBOX_PROCESSING_LEASE", "30s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://backend:4000", cfg.Remote.BaseURL)
		assert.Equal(t, 3*time.Second, cfg.Remote.Timeout)
		assert.Equal(t, "redis", cfg.Store.Driver)
		assert.Equal(t, "cache.local:6379", cfg.Redis.Addr())
		assert.False(t, cfg.Outbox.Enabled)
		assert.Equal(t, 30*time.Second, cfg.Outbox.ProcessingLease)
	})

	t.Run("reads toml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		content := `
[cache]
shared_ttl = "1m"

[bus]
transport = "redis"

[telemetry]
logs_enabled = true

[telemetry.profiling]
enabled = true
server_address = "http://pyroscope:4040"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := LoadFrom(path)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Cache.SharedTTL)
		assert.Equal(t, "redis", cfg.Bus.Transport)
		assert.True(t, cfg.Telemetry.LogsEnabled)
		assert.True(t, cfg.Telemetry.Profiling.Enabled)
		assert.Equal(t, "http://pyroscope:4040", cfg.Telemetry.Profiling.ServerAddress)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.Store.Driver = "etcd" }, "store.driver"},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "kafka" }, "bus.transport"},
		{"refresh shorter than shared", func(c *Config) { c.Cache.RefreshTTL = time.Minute }, "cache.refresh_ttl"},
		{"profiling without server", func(c *Config) { c.Telemetry.Profiling.Enabled = true }, "profiling.server_address"},
		{"memory store in production", func(c *Config) { c.App.Env = "production" }, "production"},
		{"plain http in production", func(c *Config) {
			c.App.Env = "production"
			c.Store.Driver = "sqlite"
		}, "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
