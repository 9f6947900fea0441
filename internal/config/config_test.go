package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATA_DIR", "CONNECTION_KEY", "ALLOWED_PROTOCOLS", "MQTT_BROKER", "MQTT_TOPIC", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_CreatesDefault(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("CONNECTION_KEY", "from-env")

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Security.ConnectionKey)
	assert.Equal(t, []string{"secure-guelph-user", "testing"}, cfg.Security.AllowedProtocols)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.GetDataDir())
	assert.Equal(t, filepath.Join(dir, "data", "printer-telemetry.log"), cfg.LogPath())
	assert.Equal(t, 5*time.Second, cfg.SendTimeout())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "from-env", "secret must not be written to the config file")
}

func TestLoadConfig_FileAndOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
server:
  port: 9000
  shutdown_grace_seconds: 3
storage:
  data_directory: /var/lib/relay
  log_file: telemetry.log
relay:
  queue_size: 32
  send_timeout_ms: 250
  seed_on_attach: true
security:
  connection_key: file-key
  allowed_protocols: [viewer]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))
	t.Setenv("PORT", "9100")
	t.Setenv("ALLOWED_PROTOCOLS", "viewer, testing ,")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "file-key", cfg.Security.ConnectionKey)
	assert.Equal(t, []string{"viewer", "testing"}, cfg.Security.AllowedProtocols)
	assert.Equal(t, "/var/lib/relay/telemetry.log", cfg.LogPath())
	assert.Equal(t, 32, cfg.Relay.QueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.SendTimeout())
	assert.True(t, cfg.Relay.SeedOnAttach)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "printer/telemetry", cfg.MQTT.Topic, "unset keys keep defaults")
	assert.Equal(t, 64, cfg.Relay.MaxMessageSizeKB)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CONNECTION_KEY=dotenv-key\n"), 0600))

	// godotenv never overrides a variable that is already present
	os.Unsetenv("CONNECTION_KEY")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"), envPath)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.Security.ConnectionKey)
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CONNECTION_KEY", "k")

	_, err := LoadConfig(filepath.Join(dir, "config.yaml"), filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0644))
	t.Setenv("CONNECTION_KEY", "k")

	_, err := LoadConfig(path, "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty key", func(c *AppConfig) { c.Security.ConnectionKey = "" }},
		{"no protocols", func(c *AppConfig) { c.Security.AllowedProtocols = nil }},
		{"bad port", func(c *AppConfig) { c.Server.Port = 0 }},
		{"zero queue", func(c *AppConfig) { c.Relay.QueueSize = 0 }},
		{"zero send timeout", func(c *AppConfig) { c.Relay.SendTimeoutMillis = 0 }},
		{"zero grace", func(c *AppConfig) { c.Server.ShutdownGraceSeconds = 0 }},
		{"empty log file", func(c *AppConfig) { c.Storage.LogFile = "" }},
		{"broker without topic", func(c *AppConfig) { c.MQTT.Broker = "tcp://x:1883"; c.MQTT.Topic = "" }},
	}

	base := DefaultConfig()
	base.Security.ConnectionKey = "k"
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Security.ConnectionKey = "k"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDirectory = filepath.Join(t.TempDir(), "nested", "data")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.DataDirectory)
}

func TestLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	for level, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "bogus": "INFO"} {
		cfg.Advanced.LogLevel = level
		assert.Equal(t, want, cfg.LogLevel().String(), level)
	}
	assert.NotNil(t, cfg.NewLogger())
}
