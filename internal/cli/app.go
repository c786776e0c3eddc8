package cli

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/walletagent/internal/config"
	"github.com/harun/walletagent/internal/logger"
	"github.com/harun/walletagent/pkg/auth"
	"github.com/harun/walletagent/pkg/plugin"
	"github.com/harun/walletagent/pkg/secrets"
)

// app holds what every command needs: validated config and a logger.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.File = cfg.Logging.File
	logCfg.Console = logConsole
	logCfg.Redaction = cfg.Logging.Redaction
	logCfg.MaxSize = cfg.Logging.MaxSize
	logCfg.MaxAge = cfg.Logging.MaxAge
	logCfg.Compress = cfg.Logging.Compress

	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &app{cfg: cfg, log: log, logger: log.Zerolog()}, nil
}

func (a *app) Close() error {
	return a.log.Close()
}

func (a *app) sessionStore() *auth.Store {
	return auth.NewStore(a.cfg.SessionFile())
}

func (a *app) authClient() *auth.Client {
	return auth.NewClient(a.logger, a.cfg.AuthURL, a.cfg.AppID)
}

// session loads the stored session or explains how to get one.
func (a *app) session() (*auth.Session, error) {
	sess, err := a.sessionStore().Load()
	if err != nil {
		return nil, fmt.Errorf("%w: run 'walletagent login' first", err)
	}
	return sess, nil
}

func (a *app) vault() *secrets.LocalVault {
	return secrets.NewLocalVault(a.cfg.DataDir)
}

func (a *app) envStore() *secrets.EnvStore {
	return secrets.NewEnvStore(a.cfg.Secrets.EnvFile)
}

func (a *app) customStore() *plugin.CustomStore {
	return plugin.NewCustomStore(a.logger, a.cfg.CustomPluginsFile())
}

// knownSecrets merges secrets returned at login with locally stored ones.
// Local entries win since they were set after login.
func (a *app) knownSecrets(sess *auth.Session) (map[string]secrets.Encrypted, error) {
	merged := make(map[string]secrets.Encrypted, len(sess.Secrets))
	for name, s := range sess.Secrets {
		merged[name] = s
	}

	local, err := a.envStore().Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load stored secrets: %w", err)
	}
	for name, s := range local {
		merged[name] = s
	}
	return merged, nil
}

// pluginConfigs keeps the entries of the plugins config section that are
// objects, keyed by plugin config key.
func pluginConfigs(raw map[string]any, logger zerolog.Logger) map[string]map[string]any {
	out := make(map[string]map[string]any, len(raw))
	for key, value := range raw {
		section, ok := value.(map[string]any)
		if !ok {
			logger.Warn().Str("key", key).Msg("Ignoring plugin config that is not an object")
			continue
		}
		out[key] = section
	}
	return out
}
