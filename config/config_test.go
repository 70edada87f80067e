package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/errs"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	loader := NewLoader(EnvPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	assert.Equal(t, "driveline", cfg.App.Name)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 500, cfg.Sync.ChunkSize)
	assert.Equal(t, 50, cfg.Chat.HistoryPageSize)
	assert.Equal(t, 10, cfg.Chat.MessageRateLimit)
	assert.Equal(t, time.Minute, cfg.Chat.MessageRateWindow)
	assert.Equal(t, 50, cfg.Chat.FrameRateLimit)
	assert.Equal(t, 5, cfg.Security.Password.HistorySize)
	assert.Equal(t, 168*time.Hour, cfg.Security.RefreshTokenTTL)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: catalog-api
  environment: production
server:
  port: 9090
database:
  dsn: postgres://x:y@db:5432/catalog
cache:
  backend: redis
redis:
  url: redis://cache:6379/1
sync:
  schedules:
    products: 6h
    prices: 30m
`)

	loader := NewLoader(EnvPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	require.NoError(t, loader.Load(path, cfg))

	assert.Equal(t, "catalog-api", cfg.App.Name)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, 6*time.Hour, cfg.Sync.Schedules["products"])
	assert.Equal(t, 30*time.Minute, cfg.Sync.Schedules["prices"])
	// Defaults still fill the gaps.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("DRIVELINE_SERVER_PORT", "7070")
	t.Setenv("DRIVELINE_APP_NAME", "from-env")

	loader := NewLoader(EnvPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.App.Name)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		loader := NewLoader(EnvPrefix)
		loader.SetConfigDefaults()
		cfg := &Config{}
		require.NoError(t, loader.Load(filepath.Join(t.TempDir(), "missing.yaml"), cfg))
		cfg.Security.JWTSecret = "test-secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			wantErr: "cache.backend",
		},
		{
			name: "redis cache without url",
			mutate: func(c *Config) {
				c.Cache.Backend = "redis"
				c.Redis.URL = ""
			},
			wantErr: "redis.url",
		},
		{
			name: "amqp backend without url",
			mutate: func(c *Config) {
				c.Events.Backend = "amqp"
				c.Events.AMQPURL = ""
			},
			wantErr: "events.amqp_url",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Security.JWTSecret = "" },
			wantErr: "security.jwt_secret",
		},
		{
			name: "encryption enabled without active key",
			mutate: func(c *Config) {
				c.Security.Encryption.Enabled = true
			},
			wantErr: "active_key_id",
		},
		{
			name: "encryption active key not in keyring",
			mutate: func(c *Config) {
				c.Security.Encryption.Enabled = true
				c.Security.Encryption.ActiveKeyID = "k2"
				c.Security.Encryption.Keys = map[string]string{"k1": "x"}
			},
			wantErr: `missing the active key "k2"`,
		},
		{
			name: "storage enabled without bucket",
			mutate: func(c *Config) {
				c.Storage.Enabled = true
				c.Storage.Bucket = ""
			},
			wantErr: "storage.bucket",
		},
		{
			name:    "chunk size zero",
			mutate:  func(c *Config) { c.Sync.ChunkSize = 0 },
			wantErr: "sync.chunk_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, errs.CodeConfiguration, errs.Code(err))
		})
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	// Several independent problems reported in one pass.
	assert.True(t, strings.Contains(err.Error(), "server.port") &&
		strings.Contains(err.Error(), "database.dsn") &&
		strings.Contains(err.Error(), "security.jwt_secret"))
}
