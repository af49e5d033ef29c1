package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDotEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoad_Defaults(t *testing.T) {
	noDotEnv(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("API_BASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, "JWT", cfg.API.AuthScheme)
	assert.Equal(t, DriverFile, cfg.Storage.Driver)
	assert.Equal(t, "auth-storage", cfg.Storage.Namespace)
	assert.Equal(t, 30*time.Second, cfg.Cache.StaleTime)
	assert.Equal(t, 5*time.Minute, cfg.Cache.GCTime)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnvironment(t *testing.T) {
	noDotEnv(t)
	t.Setenv("API_BASE_URL", "https://learn.example.com/")
	t.Setenv("API_RATE_LIMIT", "2.5")
	t.Setenv("CACHE_STALE_TIME", "1m")
	t.Setenv("STORAGE_DRIVER", "Redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://learn.example.com", cfg.API.BaseURL)
	assert.Equal(t, 2.5, cfg.API.RateLimit)
	assert.Equal(t, time.Minute, cfg.Cache.StaleTime)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("COMPANION_TEST_FROM_FILE=file\nCOMPANION_TEST_SHADOWED=file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("COMPANION_TEST_SHADOWED", "env")
	t.Cleanup(func() { os.Unsetenv("COMPANION_TEST_FROM_FILE") })

	_, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", os.Getenv("COMPANION_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("COMPANION_TEST_SHADOWED"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			App:       AppConfig{Environment: EnvDevelopment},
			API:       APIConfig{BaseURL: "http://localhost:8000", RequestTimeout: time.Second, MaxAttempts: 1},
			Storage:   StorageConfig{Driver: DriverMemory, Namespace: "auth-storage"},
			Scheduler: SchedulerConfig{Enabled: true, KeepaliveSchedule: "@every 1m", SweepSchedule: "@every 1m", HealthSchedule: "*/5 * * * *"},
			HTTP:      HTTPConfig{Enabled: true, Port: 8090},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"relative base url", func(c *Config) { c.API.BaseURL = "/api" }, "API_BASE_URL"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "STORAGE_DRIVER"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }, "DATABASE_URL"},
		{"file without path", func(c *Config) { c.Storage.Driver = DriverFile }, "STORAGE_FILE_PATH"},
		{"short key", func(c *Config) { c.Storage.EncryptionKey = "short" }, "STORAGE_ENCRYPTION_KEY"},
		{"bad schedule", func(c *Config) { c.Scheduler.SweepSchedule = "every minute" }, "SCHEDULER_SWEEP_SCHEDULE"},
		{"bad schedule ignored when disabled", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.SweepSchedule = "every minute"
		}, ""},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "HTTP_PORT"},
		{"production needs api key", func(c *Config) { c.App.Environment = EnvProduction }, "HTTP_API_KEY"},
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
		})
	}
}
