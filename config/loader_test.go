// 配置加载器测试。
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

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 20, cfg.Stream.FlushEvery)
	assert.True(t, cfg.Stream.DetachOnDisconnect)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  cors_allowed_origins: ["https://arena.example"]

database:
  driver: sqlite
  name: /tmp/arena.db

storage:
  bucket: arena-media
  endpoint: http://minio:9000
  use_path_style: true

providers:
  openai:
    api_key: sk-test
    prefixes: ["gpt-", "o3"]
  elevenlabs:
    api_key: el-test
    voice: rachel

stream:
  system_prompt: "Be brief."
  flush_every: 5
  flush_interval: 250ms
  detach_on_disconnect: false
  temperature: 0.3

log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://arena.example"}, cfg.Server.CORSAllowedOrigins)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/arena.db", cfg.Database.DSN())

	assert.Equal(t, "arena-media", cfg.Storage.Bucket)
	assert.True(t, cfg.Storage.UsePathStyle)
	assert.Equal(t, time.Hour, cfg.Storage.PresignTTL, "unset fields keep defaults")

	assert.True(t, cfg.Providers.OpenAI.Enabled())
	assert.Equal(t, []string{"gpt-", "o3"}, cfg.Providers.OpenAI.Prefixes)
	assert.Equal(t, "rachel", cfg.Providers.ElevenLabs.Voice)
	assert.False(t, cfg.Providers.Anthropic.Enabled())
	assert.Equal(t, []string{"claude-"}, cfg.Providers.Anthropic.Prefixes)

	assert.Equal(t, "Be brief.", cfg.Stream.SystemPrompt)
	assert.Equal(t, 5, cfg.Stream.FlushEvery)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.FlushInterval)
	assert.False(t, cfg.Stream.DetachOnDisconnect)
	assert.InDelta(t, 0.3, cfg.Stream.Temperature, 0.0001)
	assert.Equal(t, 5*time.Minute, cfg.Stream.TurnTimeout)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("ARENA_SERVER_HTTP_PORT", "7777")
	t.Setenv("ARENA_DATABASE_DRIVER", "mysql")
	t.Setenv("ARENA_REDIS_ADDR", "redis:6379")
	t.Setenv("ARENA_PROVIDERS_ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("ARENA_PROVIDERS_ANTHROPIC_PREFIXES", "claude-, anthropic/ ,")
	t.Setenv("ARENA_STREAM_TURN_TIMEOUT", "90s")
	t.Setenv("ARENA_STREAM_TEMPERATURE", "0.5")
	t.Setenv("ARENA_STREAM_DETACH_ON_DISCONNECT", "false")
	t.Setenv("ARENA_LOG_OUTPUT_PATHS", "stdout,/var/log/arena.log")
	t.Setenv("ARENA_RESILIENCE_RETRY_MAX_RETRIES", "4")
	t.Setenv("ARENA_RESILIENCE_RETRY_MULTIPLIER", "1.5")
	t.Setenv("ARENA_RESILIENCE_BREAKER_THRESHOLD", "0")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "sk-ant", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, []string{"claude-", "anthropic/"}, cfg.Providers.Anthropic.Prefixes)
	assert.Equal(t, 90*time.Second, cfg.Stream.TurnTimeout)
	assert.InDelta(t, 0.5, cfg.Stream.Temperature, 0.0001)
	assert.False(t, cfg.Stream.DetachOnDisconnect)
	assert.Equal(t, []string{"stdout", "/var/log/arena.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 4, cfg.Resilience.Retry.MaxRetries)
	assert.InDelta(t, 1.5, cfg.Resilience.Retry.Multiplier, 0.0001)
	assert.False(t, cfg.Resilience.Breaker.Enabled())
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
stream:
  flush_every: 5
`)
	t.Setenv("ARENA_STREAM_FLUSH_EVERY", "9")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 9, cfg.Stream.FlushEvery)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYARENA_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYARENA").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("ARENA_STREAM_FLUSH_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARENA_STREAM_FLUSH_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Storage.Bucket == "" {
				return errors.New("bucket required")
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket required")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/arena.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [http_port")

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", modify: func(*Config) {}},
		{name: "invalid http port", modify: func(c *Config) { c.Server.HTTPPort = 0 }, wantErr: "invalid HTTP port"},
		{name: "port clash", modify: func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, wantErr: "must differ"},
		{name: "metrics disabled", modify: func(c *Config) { c.Server.MetricsPort = 0 }},
		{name: "unknown driver", modify: func(c *Config) { c.Database.Driver = "oracle" }, wantErr: "unsupported database driver"},
		{name: "temperature too high", modify: func(c *Config) { c.Stream.Temperature = 2.5 }, wantErr: "temperature"},
		{name: "negative flush", modify: func(c *Config) { c.Stream.FlushEvery = -1 }, wantErr: "flush_every"},
		{name: "negative timeout", modify: func(c *Config) { c.Stream.TurnTimeout = -time.Second }, wantErr: "timeouts"},
		{name: "negative retries", modify: func(c *Config) { c.Resilience.Retry.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "breaker disabled", modify: func(c *Config) { c.Resilience.Breaker.Threshold = 0 }},
		{name: "sample rate", modify: func(c *Config) { c.Telemetry.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
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

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "arena", SSLMode: "disable"},
			want: "host=db port=5432 user=u password=p dbname=arena sslmode=disable",
		},
		{
			name: "mysql",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "arena"},
			want: "u:p@tcp(db:3306)/arena?parseTime=true",
		},
		{name: "sqlite", cfg: DatabaseConfig{Driver: "sqlite", Name: "arena.db"}, want: "arena.db"},
		{name: "unknown", cfg: DatabaseConfig{Driver: "oracle"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestMustLoad(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9999\n")
	assert.Equal(t, 9999, MustLoad(path).Server.HTTPPort)

	bad := writeConfig(t, "server: [")
	assert.Panics(t, func() { MustLoad(bad) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("ARENA_SERVER_HTTP_PORT", "5555")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.HTTPPort)
}
