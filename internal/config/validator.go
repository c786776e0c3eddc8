package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
)

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validRenderStyles = []string{"auto", "dark", "light", "notty", "ascii", "dracula", "pink", "tokyo-night"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateURL checks that raw is an absolute URL with one of the schemes.
func (v *Validator) ValidateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s must use one of %v, got %q", name, schemes, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !slices.Contains(validLogLevels, level) {
		return fmt.Errorf("invalid log level: %s (must be one of %v)", level, validLogLevels)
	}
	return nil
}

// ValidateRenderStyle validates a glamour style name
func (v *Validator) ValidateRenderStyle(style string) error {
	if !slices.Contains(validRenderStyles, style) {
		return fmt.Errorf("invalid render style: %s (must be one of %v)", style, validRenderStyles)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateURL("auth_url", cfg.AuthURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateURL("agent_url", cfg.AgentURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AppID == "" {
		errs = append(errs, fmt.Errorf("app_id cannot be empty"))
	}
	if cfg.Secrets.ResolveTimeout < 0 {
		errs = append(errs, fmt.Errorf("secrets.resolve_timeout cannot be negative"))
	}
	if cfg.Render.WordWrap < 0 {
		errs = append(errs, fmt.Errorf("render.word_wrap cannot be negative"))
	}
	if cfg.Render.Enabled {
		if err := v.ValidateRenderStyle(cfg.Render.Style); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("logging.max_size and logging.max_age cannot be negative"))
	}

	return errs
}
