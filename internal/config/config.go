// Package config loads the walletagent configuration from a JSON file and
// WALLETAGENT_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"
)

// Config represents the main walletagent configuration
type Config struct {
	AppID    string `json:"app_id" mapstructure:"app_id"`
	AuthURL  string `json:"auth_url" mapstructure:"auth_url"`
	AgentURL string `json:"agent_url" mapstructure:"agent_url"`

	// Data directory for session, logs, history and custom plugins
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Directory scanned for out-of-process plugin modules
	PluginDir string `json:"plugin_dir" mapstructure:"plugin_dir"`

	// Per-plugin configuration keyed by plugin config key
	Plugins map[string]any `json:"plugins" mapstructure:"plugins"`

	Secrets SecretsConfig `json:"secrets" mapstructure:"secrets"`
	Render  RenderConfig  `json:"render" mapstructure:"render"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// SecretsConfig holds secret resolution settings
type SecretsConfig struct {
	ResolveTimeout int    `json:"resolve_timeout" mapstructure:"resolve_timeout"` // seconds
	EnvFile        string `json:"env_file" mapstructure:"env_file"`
}

// RenderConfig holds markdown rendering settings
type RenderConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Style    string `json:"style" mapstructure:"style"` // auto, dark, light, notty
	WordWrap int    `json:"word_wrap" mapstructure:"word_wrap"`
}

// MetricsConfig holds the prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AppID:    "walletagent-cli",
		AuthURL:  "https://auth.hustle.example",
		AgentURL: "wss://agent.hustle.example/v1/chat",
		Plugins:  map[string]any{},
		Secrets: SecretsConfig{
			ResolveTimeout: 30,
		},
		Render: RenderConfig{
			Enabled:  true,
			Style:    "auto",
			WordWrap: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   10,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// applyDerived fills paths that default relative to the data directory.
func (c *Config) applyDerived() {
	if c.PluginDir == "" {
		c.PluginDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.Secrets.EnvFile == "" {
		c.Secrets.EnvFile = filepath.Join(c.DataDir, ".env.secrets")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "walletagent.log")
	}
	if c.Plugins == nil {
		c.Plugins = map[string]any{}
	}
}

// SessionFile is where the auth session is persisted.
func (c *Config) SessionFile() string {
	return filepath.Join(c.DataDir, "session.json")
}

// CustomPluginsFile is where runtime-defined plugins are persisted.
func (c *Config) CustomPluginsFile() string {
	return filepath.Join(c.DataDir, "custom-plugins.json")
}

// HistoryDir holds chat transcripts and the input history.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.DataDir, "history")
}

// ResolveTimeout is the secret resolution timeout as a duration.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Secrets.ResolveTimeout) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
