package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".walletagent"
	configFileName = "config.json"
	envPrefix      = "WALLETAGENT"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDirName), nil
}

// newViper registers every key with its default so env overrides apply even
// without a config file.
func newViper() *viper.Viper {
	d := DefaultConfig()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_id", d.AppID)
	v.SetDefault("auth_url", d.AuthURL)
	v.SetDefault("agent_url", d.AgentURL)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("plugin_dir", d.PluginDir)
	v.SetDefault("plugins", d.Plugins)
	v.SetDefault("secrets.resolve_timeout", d.Secrets.ResolveTimeout)
	v.SetDefault("secrets.env_file", d.Secrets.EnvFile)
	v.SetDefault("render.enabled", d.Render.Enabled)
	v.SetDefault("render.style", d.Render.Style)
	v.SetDefault("render.word_wrap", d.Render.WordWrap)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	return v
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		if cfg.DataDir, err = defaultDataDir(); err != nil {
			return nil, err
		}
	}
	cfg.applyDerived()

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("app_id", cfg.AppID)
	v.Set("auth_url", cfg.AuthURL)
	v.Set("agent_url", cfg.AgentURL)
	v.Set("data_dir", cfg.DataDir)
	v.Set("plugin_dir", cfg.PluginDir)
	v.Set("plugins", cfg.Plugins)
	v.Set("secrets", cfg.Secrets)
	v.Set("render", cfg.Render)
	v.Set("metrics", cfg.Metrics)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	dir, err := defaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, _ := l.path()
	return p
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
