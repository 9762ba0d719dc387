package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.loomchat/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// database:
//   driver: sqlite
//   dsn: /path/to/loomchat.db
// redis:
//   enabled: true
//   addr: 127.0.0.1:6379
// model:
//   provider: openai
//   api_key: sk-...
//   model: gpt-4o-mini
// streaming:
//   idle_timeout_seconds: 300
//   sweep_interval_seconds: 60
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.

type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Model     ModelConfig     `yaml:"model"`
	Streaming StreamingConfig `yaml:"streaming"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver *string `yaml:"driver"`
	DSN    *string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  *bool   `yaml:"enabled"`
	Addr     *string `yaml:"addr"`
	Password *string `yaml:"password"`
	DB       *int    `yaml:"db"`
}

type ModelConfig struct {
	Provider  *string `yaml:"provider"`
	APIKey    *string `yaml:"api_key"`
	BaseURL   *string `yaml:"base_url"`
	Model     *string `yaml:"model"`
	MaxTokens *int    `yaml:"max_tokens"`
}

type StreamingConfig struct {
	IdleTimeoutSeconds   *int `yaml:"idle_timeout_seconds"`
	SweepIntervalSeconds *int `yaml:"sweep_interval_seconds"`
}

const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8088
	DefaultDriver        = "sqlite"
	DefaultRedisAddr     = "127.0.0.1:6379"
	DefaultProvider      = "openai"
	DefaultMaxTokens     = 8192
	DefaultIdleTimeout   = 300
	DefaultSweepInterval = 60
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".loomchat")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.loomchat/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}
	// Defaults are applied via the accessor methods.

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	driver := cfg.DatabaseDriver()
	if driver != "sqlite" && driver != "postgres" {
		return nil, "", fmt.Errorf("invalid database.driver %q in %s (want sqlite or postgres)", driver, configFile)
	}

	if v := cfg.StreamIdleTimeoutSeconds(); v < 1 {
		return nil, "", fmt.Errorf("invalid streaming.idle_timeout_seconds %d in %s", v, configFile)
	}
	if v := cfg.StreamSweepIntervalSeconds(); v < 1 {
		return nil, "", fmt.Errorf("invalid streaming.sweep_interval_seconds %d in %s", v, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: ptr(DefaultDriver)},
		Redis:    RedisConfig{Enabled: ptr(false), Addr: ptr(DefaultRedisAddr)},
		Model:    ModelConfig{Provider: ptr(DefaultProvider)},
		Streaming: StreamingConfig{
			IdleTimeoutSeconds:   ptr(DefaultIdleTimeout),
			SweepIntervalSeconds: ptr(DefaultSweepInterval),
		},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil {
		return DefaultHost
	}
	if c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil {
		return DefaultPort
	}
	if c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil || c.Database.Driver == nil {
		return DefaultDriver
	}
	v := strings.TrimSpace(*c.Database.Driver)
	if v == "" {
		return DefaultDriver
	}
	return v
}

// DatabaseDSN returns the configured DSN, or the default sqlite file under
// the config dir when unset.
func (c *AppConfig) DatabaseDSN() (string, error) {
	if c != nil && c.Database.DSN != nil && strings.TrimSpace(*c.Database.DSN) != "" {
		return strings.TrimSpace(*c.Database.DSN), nil
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "loomchat.db"), nil
}

func (c *AppConfig) RedisEnabled() bool {
	if c == nil || c.Redis.Enabled == nil {
		return false
	}
	return *c.Redis.Enabled
}

func (c *AppConfig) RedisAddr() string {
	if c == nil || c.Redis.Addr == nil {
		return DefaultRedisAddr
	}
	v := strings.TrimSpace(*c.Redis.Addr)
	if v == "" {
		return DefaultRedisAddr
	}
	return v
}

func (c *AppConfig) RedisPassword() string {
	if c == nil || c.Redis.Password == nil {
		return ""
	}
	return *c.Redis.Password
}

func (c *AppConfig) RedisDB() int {
	if c == nil || c.Redis.DB == nil {
		return 0
	}
	return *c.Redis.DB
}

func (c *AppConfig) ModelProvider() string {
	if c == nil || c.Model.Provider == nil {
		return DefaultProvider
	}
	v := strings.TrimSpace(*c.Model.Provider)
	if v == "" {
		return DefaultProvider
	}
	return v
}

func (c *AppConfig) ModelAPIKey() string {
	if c == nil || c.Model.APIKey == nil {
		return ""
	}
	return *c.Model.APIKey
}

func (c *AppConfig) ModelBaseURL() string {
	if c == nil || c.Model.BaseURL == nil {
		return ""
	}
	return strings.TrimSpace(*c.Model.BaseURL)
}

func (c *AppConfig) ModelName() string {
	if c == nil || c.Model.Model == nil {
		return ""
	}
	return strings.TrimSpace(*c.Model.Model)
}

func (c *AppConfig) ModelMaxTokens() int {
	if c == nil || c.Model.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *c.Model.MaxTokens
}

func (c *AppConfig) StreamIdleTimeoutSeconds() int {
	if c == nil || c.Streaming.IdleTimeoutSeconds == nil {
		return DefaultIdleTimeout
	}
	return *c.Streaming.IdleTimeoutSeconds
}

func (c *AppConfig) StreamSweepIntervalSeconds() int {
	if c == nil || c.Streaming.SweepIntervalSeconds == nil {
		return DefaultSweepInterval
	}
	return *c.Streaming.SweepIntervalSeconds
}

func ptr[T any](v T) *T { return &v }
