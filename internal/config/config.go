// Package config provides YAML-based configuration with .env and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root YAML configuration structure
type AppConfig struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Relay tuning
	Relay RelayConfig `yaml:"relay"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Optional MQTT ingress
	MQTT MQTTConfig `yaml:"mqtt"`

	// Advanced options
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                 int    `yaml:"port"`
	BindAddress          string `yaml:"bind_address"`
	EnableCORS           bool   `yaml:"enable_cors"`
	AllowOrigins         string `yaml:"allow_origins"`
	ReadTimeout          int    `yaml:"read_timeout_seconds"`
	WriteTimeout         int    `yaml:"write_timeout_seconds"`
	IdleTimeout          int    `yaml:"idle_timeout_seconds"`
	BodyLimit            string `yaml:"body_limit"`
	ShutdownGraceSeconds int    `yaml:"shutdown_grace_seconds"`
}

// StorageConfig contains durable log settings
type StorageConfig struct {
	DataDirectory string `yaml:"data_directory"`
	LogFile       string `yaml:"log_file"`
	// NoSync skips fsync after each append. Only for tests and benchmarks.
	NoSync bool `yaml:"no_sync"`
}

// RelayConfig contains fan-out settings
type RelayConfig struct {
	QueueSize           int  `yaml:"queue_size"`
	SendTimeoutMillis   int  `yaml:"send_timeout_ms"`
	SeedOnAttach        bool `yaml:"seed_on_attach"`
	MaxMessageSizeKB    int  `yaml:"max_message_size_kb"`
	PingIntervalSeconds int  `yaml:"ping_interval_seconds"`
}

// SecurityConfig contains the connection handshake settings
type SecurityConfig struct {
	ConnectionKey    string   `yaml:"connection_key"`
	AllowedProtocols []string `yaml:"allowed_protocols"`
}

// MQTTConfig enables the MQTT producer path when Broker is set
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// AdvancedConfig contains logging options
type AdvancedConfig struct {
	LogLevel             string `yaml:"log_level"`
	LogFormat            string `yaml:"log_format"`
	EnableRequestLogging bool   `yaml:"enable_request_logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:                 8080,
			BindAddress:          "0.0.0.0",
			EnableCORS:           true,
			AllowOrigins:         "*",
			ReadTimeout:          30,
			WriteTimeout:         30,
			IdleTimeout:          120,
			BodyLimit:            "1M",
			ShutdownGraceSeconds: 10,
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			LogFile:       "printer-telemetry.log",
		},
		Relay: RelayConfig{
			QueueSize:           256,
			SendTimeoutMillis:   5000,
			SeedOnAttach:        false,
			MaxMessageSizeKB:    64,
			PingIntervalSeconds: 30,
		},
		Security: SecurityConfig{
			AllowedProtocols: []string{"secure-guelph-user", "testing"},
		},
		MQTT: MQTTConfig{
			ClientID: "printer-relay",
			Topic:    "printer/telemetry",
			QoS:      1,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			LogFormat:            "text",
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads envFile (if present) into the environment, then the YAML
// config at configPath, creating it with defaults on first run. Environment
// variables override file values.
func LoadConfig(configPath, envFile string) (*AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	config := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to a YAML file. The connection key is never
// written; it belongs in the environment.
func (c *AppConfig) Save(configPath string) error {
	out := *c
	out.Security.ConnectionKey = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Printer telemetry relay configuration\n# This file is auto-generated on first run\n\n")
	if err := os.WriteFile(configPath, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
	if key := os.Getenv("CONNECTION_KEY"); key != "" {
		c.Security.ConnectionKey = key
	}
	if protocols := os.Getenv("ALLOWED_PROTOCOLS"); protocols != "" {
		c.Security.AllowedProtocols = splitList(protocols)
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
		c.MQTT.Topic = topic
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
}

// Validate reports the first setting that would prevent the relay from starting.
func (c *AppConfig) Validate() error {
	switch {
	case c.Security.ConnectionKey == "":
		return errors.New("config: connection key is empty (set CONNECTION_KEY)")
	case len(c.Security.AllowedProtocols) == 0:
		return errors.New("config: allowed_protocols is empty")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	case c.Relay.QueueSize <= 0:
		return fmt.Errorf("config: queue_size must be positive, got %d", c.Relay.QueueSize)
	case c.Relay.SendTimeoutMillis <= 0:
		return fmt.Errorf("config: send_timeout_ms must be positive, got %d", c.Relay.SendTimeoutMillis)
	case c.Server.ShutdownGraceSeconds <= 0:
		return fmt.Errorf("config: shutdown_grace_seconds must be positive, got %d", c.Server.ShutdownGraceSeconds)
	case c.Storage.LogFile == "":
		return errors.New("config: log_file is empty")
	case c.MQTT.Broker != "" && c.MQTT.Topic == "":
		return errors.New("config: mqtt topic is required when a broker is set")
	}
	return nil
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// LogPath returns the durable log file path
func (c *AppConfig) LogPath() string {
	if filepath.IsAbs(c.Storage.LogFile) {
		return c.Storage.LogFile
	}
	return filepath.Join(c.Storage.DataDirectory, c.Storage.LogFile)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// SendTimeout returns the per-frame write deadline
func (c *AppConfig) SendTimeout() time.Duration {
	return time.Duration(c.Relay.SendTimeoutMillis) * time.Millisecond
}

// ShutdownGrace returns the bound on graceful shutdown
func (c *AppConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LogLevel maps the configured level name onto slog.
func (c *AppConfig) LogLevel() slog.Level {
	switch strings.ToLower(c.Advanced.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the advanced settings.
func (c *AppConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if strings.EqualFold(c.Advanced.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
