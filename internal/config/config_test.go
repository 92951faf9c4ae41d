package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

func TestDefaultRequiresSecret(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "auth.secret", cfgErr.Field)

	assert.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"send buffer", func(c *Config) { c.Hub.SendBufferSize = 0 }, "hub.send_buffer"},
		{"ping after read deadline", func(c *Config) { c.Hub.PingInterval = c.Hub.ReadTimeout }, "hub.ping_interval"},
		{"history", func(c *Config) { c.Hub.HistoryLimit = 0 }, "hub.history_limit"},
		{"burst", func(c *Config) { c.Hub.RateLimit.Burst = 0 }, "hub.rate_limit.burst"},
		{"driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"dsn", func(c *Config) { c.Store.Driver = DriverSQLite }, "store.dsn"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			var cfgErr *ConfigError
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chathub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
hub:
  send_buffer: 32
  slow_consumer_grace: 2s
auth:
  secret: from-file
store:
  driver: sqlite
  dsn: file:chat.db
`), 0o600))

	cfg, err := Load(LoadOptions{Path: path, EnvFile: filepath.Join(dir, "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Hub.SendBufferSize)
	assert.Equal(t, 2*time.Second, cfg.Hub.SlowConsumerGrace)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 100, cfg.Hub.HistoryLimit, "unset fields keep defaults")
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chathub.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // comments and trailing commas are allowed
  "auth": {"secret": "jsonc"},
  "hub": {"history_limit": 20,},
}`), 0o600))

	cfg, err := Load(LoadOptions{Path: path, EnvFile: filepath.Join(dir, "missing.env")})
	require.NoError(t, err)
	assert.Equal(t, "jsonc", cfg.Auth.Secret)
	assert.Equal(t, 20, cfg.Hub.HistoryLimit)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHATHUB_AUTH_SECRET=dotenv\n"), 0o600))

	t.Setenv("CHATHUB_SERVER_PORT", "8123")
	t.Setenv("CHATHUB_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHATHUB_LOG_LEVEL", "debug")

	t.Cleanup(func() { os.Unsetenv("CHATHUB_AUTH_SECRET") })

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "dotenv", cfg.Auth.Secret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("CHATHUB_AUTH_SECRET", "x")
	t.Setenv("CHATHUB_SERVER_PORT", "eighty")

	_, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "none.env")})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "server.port", cfgErr.Field)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chathub.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	_, err := Load(LoadOptions{Path: path})
	assert.ErrorContains(t, err, "unsupported config file format")
}
