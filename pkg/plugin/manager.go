package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/harun/walletagent/internal/metrics"
	"github.com/harun/walletagent/pkg/secrets"
)

// DefaultResolveTimeout bounds one lazy secret resolution.
const DefaultResolveTimeout = 30 * time.Second

// SecretStore persists encrypted secrets.
type SecretStore interface {
	Put(name string, secret secrets.Encrypted) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Specs is the registry of installable modules, loaded in order.
	Specs []Spec
	// Loader resolves module names. Required.
	Loader ModuleLoader
	// Client is the chat client adapter. Required.
	Client ChatClient
	// Vault decrypts and encrypts secrets. Lazy resolution fails without one.
	Vault secrets.Vault
	// SecretStore persists secrets written through SetSecret.
	SecretStore SecretStore
	// Custom persists runtime-defined plugins. Optional.
	Custom *CustomStore
	// ListenerKey is the config key of the plugin that runs an HTTP listener.
	ListenerKey string
	// ListenerConfig is the default sub-configuration merged for ListenerKey.
	ListenerConfig map[string]any
	// ResolveTimeout bounds lazy resolution. Defaults to DefaultResolveTimeout.
	ResolveTimeout time.Duration
	// DisableGodMode skips registration of the built-in god-mode plugin.
	DisableGodMode bool
	Metrics        *metrics.Metrics
	// OnSecret is called with every plaintext the manager caches, so the
	// caller can keep it out of logs. Optional.
	OnSecret func(plaintext string)
}

// Manager owns the plugin registry: loading, enable/disable, secret
// injection and hot reload.
type Manager struct {
	logger  zerolog.Logger
	opts    ManagerOptions
	metrics *metrics.Metrics

	mu         sync.RWMutex
	plugins    map[string]*Registration
	order      []string
	modules    map[string]Module
	baseConfig map[string]map[string]any
	auth       AuthContext

	// swapMu serializes unregister/register pairs during reload.
	swapMu sync.Mutex

	secretsMu sync.RWMutex
	resolved  map[string]string
	decrypts  singleflight.Group
}

// resolution is the memoized outcome of one lazy secret resolution, shared
// by every wrapped tool of a single plugin instance.
type resolution struct {
	once sync.Once
	err  error
}

// NewManager creates a plugin manager.
func NewManager(logger zerolog.Logger, opts ManagerOptions) *Manager {
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	return &Manager{
		logger:     logger.With().Str("component", "plugin-manager").Logger(),
		opts:       opts,
		metrics:    opts.Metrics,
		plugins:    make(map[string]*Registration),
		modules:    make(map[string]Module),
		baseConfig: make(map[string]map[string]any),
		resolved:   make(map[string]string),
	}
}

// LoadAll loads every module in the registry. Missing or broken modules are
// logged and skipped; LoadAll itself never fails.
func (m *Manager) LoadAll(ctx context.Context, baseConfig map[string]map[string]any, auth AuthContext) {
	m.mu.Lock()
	m.baseConfig = make(map[string]map[string]any, len(baseConfig))
	for key, cfg := range baseConfig {
		m.baseConfig[key] = cloneConfig(cfg)
	}
	m.auth = AuthContext{SessionHandle: auth.SessionHandle, Secrets: make(map[string]secrets.Encrypted, len(auth.Secrets))}
	for name, secret := range auth.Secrets {
		m.auth.Secrets[name] = secret
	}
	m.mu.Unlock()

	m.logger.Info().Int("specs", len(m.opts.Specs)).Msg("Loading plugins")

	for i := range m.opts.Specs {
		m.loadSpec(ctx, &m.opts.Specs[i])
	}

	if !m.opts.DisableGodMode {
		if err := m.Register(ctx, NewGodModePlugin(m), false); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to register god-mode plugin")
		}
	}

	if m.opts.Custom != nil {
		if err := m.SyncCustom(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to restore custom plugins")
		}
	}

	m.metrics.SetPluginsRegistered(len(m.List()))
	m.logger.Info().Int("registered", len(m.List())).Msg("Plugin loading complete")
}

func (m *Manager) loadSpec(ctx context.Context, spec *Spec) {
	logger := m.logger.With().Str("module", spec.ModuleName).Logger()

	module, err := m.loadModule(ctx, spec.ModuleName)
	if errors.Is(err, ErrModuleNotFound) {
		logger.Debug().Msg("Plugin module not installed, skipping")
		m.metrics.RecordPluginLoad(spec.ModuleName, "missing")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load plugin module")
		m.metrics.RecordPluginLoad(spec.ModuleName, "error")
		return
	}

	instance, err := m.build(spec, module)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to construct plugin")
		m.metrics.RecordPluginLoad(spec.ModuleName, "error")
		return
	}

	if err := m.register(ctx, instance, true, spec, false); err != nil {
		logger.Warn().Err(err).Str("plugin", instance.Name).Msg("Plugin registered disabled")
	}
	m.metrics.RecordPluginLoad(spec.ModuleName, "success")
	logger.Info().Str("plugin", instance.Name).Str("version", instance.Version).Msg("Plugin loaded")
}

// loadModule returns a cached module or loads it.
func (m *Manager) loadModule(ctx context.Context, name string) (Module, error) {
	m.mu.RLock()
	module, ok := m.modules[name]
	m.mu.RUnlock()
	if ok {
		return module, nil
	}

	if m.opts.Loader == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	module, err := m.opts.Loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.modules[name] = module
	m.mu.Unlock()
	return module, nil
}

// build constructs an instance for spec. Secrets already in the resolved
// cache are injected; declared secrets that are available encrypted but not
// yet decrypted make every tool lazy.
func (m *Manager) build(spec *Spec, module Module) (*Instance, error) {
	factory, err := lookupFactory(module, spec.FactoryName)
	if err != nil {
		return nil, err
	}

	config := m.pluginConfig(spec)

	m.mu.RLock()
	available := m.auth.Secrets
	m.mu.RUnlock()

	var pending []SecretDeclaration
	for _, decl := range secretDeclarations(module) {
		if value, ok := m.cachedSecret(decl.Name); ok {
			setPath(config, decl.ConfigPath, value)
			continue
		}
		if _, ok := available[decl.Name]; ok {
			pending = append(pending, decl)
		}
	}

	instance, err := construct(factory, config)
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		instance = m.wrapLazy(spec, instance, pending)
	}
	return instance, nil
}

// pluginConfig assembles the config handed to a factory.
func (m *Manager) pluginConfig(spec *Spec) map[string]any {
	m.mu.RLock()
	base := m.baseConfig[spec.ConfigKey]
	m.mu.RUnlock()

	config := make(map[string]any)
	if spec.ConfigKey == m.opts.ListenerKey && m.opts.ListenerConfig != nil {
		for k, v := range cloneConfig(m.opts.ListenerConfig) {
			config[k] = v
		}
	}
	for k, v := range cloneConfig(base) {
		// defaults of a nested section survive a partial override
		if override, ok := v.(map[string]any); ok {
			if defaults, ok := config[k].(map[string]any); ok {
				for dk, dv := range override {
					defaults[dk] = dv
				}
				continue
			}
		}
		config[k] = v
	}
	config[ClientConfigKey] = m.opts.Client
	return config
}

// wrapLazy replaces every executor of instance with one that decrypts the
// pending secrets and reloads the plugin on first use.
func (m *Manager) wrapLazy(spec *Spec, instance *Instance, pending []SecretDeclaration) *Instance {
	res := &resolution{}
	executors := make(map[string]Executor, len(instance.Executors))
	for toolName, original := range instance.Executors {
		executors[toolName] = m.lazyExecutor(spec, instance.Name, toolName, original, pending, res)
	}

	names := make([]string, len(pending))
	for i, decl := range pending {
		names[i] = decl.Name
	}
	m.logger.Debug().Str("plugin", instance.Name).Strs("secrets", names).Msg("Deferring secret decryption until first tool call")

	return instance.withExecutors(executors)
}

func (m *Manager) lazyExecutor(spec *Spec, pluginName, toolName string, original Executor, pending []SecretDeclaration, res *resolution) Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		res.once.Do(func() {
			res.err = m.resolve(ctx, spec, pluginName, pending)
		})

		if res.err != nil {
			m.logger.Error().Err(res.err).Str("plugin", pluginName).Str("tool", toolName).Msg("Secret resolution failed, running tool without secrets")
			result, err := original(ctx, args)
			if err != nil {
				return nil, fmt.Errorf("plugin %s: secrets unavailable (%v): %w", pluginName, res.err, err)
			}
			return result, nil
		}

		executor, ok := m.executor(pluginName, toolName)
		if !ok {
			return nil, fmt.Errorf("%w: %s missing from reloaded plugin %s", ErrToolNotFound, toolName, pluginName)
		}
		return executor(ctx, args)
	}
}

// resolve decrypts pending secrets and rebuilds the plugin with them. It runs
// detached from the caller's cancellation so a cancelled first call cannot
// poison the shared outcome.
func (m *Manager) resolve(ctx context.Context, spec *Spec, pluginName string, pending []SecretDeclaration) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ResolveTimeout)
	defer cancel()

	err := m.resolveSecrets(ctx, spec, pending)
	m.metrics.RecordResolution(pluginName, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	m.logger.Info().Str("plugin", pluginName).Dur("took", time.Since(start)).Msg("Plugin secrets resolved")
	return nil
}

func (m *Manager) resolveSecrets(ctx context.Context, spec *Spec, pending []SecretDeclaration) error {
	for _, decl := range pending {
		if _, ok := m.cachedSecret(decl.Name); ok {
			continue
		}
		if _, err := m.decryptSecret(ctx, decl.Name); err != nil {
			return fmt.Errorf("decrypt secret %s: %w", decl.Name, err)
		}
	}
	return m.reload(ctx, spec)
}

// decryptSecret decrypts one named secret, collapsing concurrent requests for
// the same name into a single vault call.
func (m *Manager) decryptSecret(ctx context.Context, name string) (string, error) {
	v, err, _ := m.decrypts.Do(name, func() (any, error) {
		if value, ok := m.cachedSecret(name); ok {
			return value, nil
		}
		if m.opts.Vault == nil {
			return nil, errors.New("no vault configured")
		}

		m.mu.RLock()
		encrypted, ok := m.auth.Secrets[name]
		handle := m.auth.SessionHandle
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no encrypted value for %s", name)
		}

		type result struct {
			plaintext string
			err       error
		}
		done := make(chan result, 1)
		go func() {
			plaintext, err := m.opts.Vault.Decrypt(ctx, handle, encrypted)
			done <- result{plaintext, err}
		}()

		var r result
		select {
		case r = <-done:
		case <-ctx.Done():
			r.err = ctx.Err()
		}

		m.metrics.RecordDecrypt(r.err == nil)
		if r.err != nil {
			return nil, r.err
		}
		m.cacheSecret(name, r.plaintext)
		return r.plaintext, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// reload builds a new instance for spec and swaps it in. Construction happens
// first; on failure the registered instance is left untouched.
func (m *Manager) reload(ctx context.Context, spec *Spec) error {
	module, err := m.loadModule(ctx, spec.ModuleName)
	if err != nil {
		return fmt.Errorf("load module %s: %w", spec.ModuleName, err)
	}

	instance, err := m.build(spec, module)
	if err != nil {
		m.metrics.RecordReload(spec.ModuleName, false)
		return fmt.Errorf("rebuild plugin from %s: %w", spec.ModuleName, err)
	}

	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	enabled := true
	previous := m.registrationFor(spec, instance.Name)
	if previous != "" {
		m.mu.RLock()
		if reg, ok := m.plugins[previous]; ok && reg.disabledByUser {
			enabled = false
		}
		m.mu.RUnlock()
	}

	if err := m.swap(ctx, previous, instance, enabled, spec, false); err != nil {
		m.logger.Warn().Err(err).Str("plugin", instance.Name).Msg("Reloaded plugin registered disabled")
	}
	m.metrics.RecordReload(instance.Name, true)
	m.logger.Info().Str("plugin", instance.Name).Msg("Plugin reloaded")
	return nil
}

// registrationFor finds the current registration built from spec, falling
// back to a registration named name.
func (m *Manager) registrationFor(spec *Spec, name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for regName, reg := range m.plugins {
		if reg.spec != nil && reg.spec.ModuleName == spec.ModuleName {
			return regName
		}
	}
	if _, ok := m.plugins[name]; ok {
		return name
	}
	return ""
}

// ReloadPluginWithSecret caches plaintext under secretName and rebuilds the
// plugin declaring it. It reports whether a reload happened; failures are
// logged and leave the prior instance registered.
func (m *Manager) ReloadPluginWithSecret(ctx context.Context, pluginName, secretName, plaintext string) bool {
	m.cacheSecret(secretName, plaintext)

	spec, err := m.specForSecret(ctx, pluginName, secretName)
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin", pluginName).Str("secret", secretName).Msg("No plugin to reload")
		return false
	}

	if err := m.reload(ctx, spec); err != nil {
		m.logger.Warn().Err(err).Str("plugin", pluginName).Str("secret", secretName).Msg("Plugin reload failed")
		return false
	}
	return true
}

// specForSecret finds the spec whose module declares secretName, preferring
// the one currently registered as pluginName.
func (m *Manager) specForSecret(ctx context.Context, pluginName, secretName string) (*Spec, error) {
	m.mu.RLock()
	if reg, ok := m.plugins[pluginName]; ok && reg.spec != nil {
		spec := reg.spec
		module := m.modules[spec.ModuleName]
		m.mu.RUnlock()
		if module != nil && declares(module, secretName) {
			return spec, nil
		}
	} else {
		m.mu.RUnlock()
	}

	for i := range m.opts.Specs {
		spec := &m.opts.Specs[i]
		module, err := m.loadModule(ctx, spec.ModuleName)
		if err != nil {
			continue
		}
		if declares(module, secretName) {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSecretNotDeclared, secretName)
}

func declares(module Module, secretName string) bool {
	for _, decl := range secretDeclarations(module) {
		if decl.Name == secretName {
			return true
		}
	}
	return false
}

// SetSecret encrypts plaintext, persists it, and reloads the plugin that
// declares it so the value takes effect immediately.
func (m *Manager) SetSecret(ctx context.Context, pluginName, secretName, plaintext string) error {
	if m.opts.Vault == nil {
		return errors.New("no vault configured")
	}

	m.mu.RLock()
	handle := m.auth.SessionHandle
	m.mu.RUnlock()

	encrypted, err := m.opts.Vault.Encrypt(ctx, plaintext, handle)
	if err != nil {
		return fmt.Errorf("encrypt secret %s: %w", secretName, err)
	}
	if m.opts.SecretStore != nil {
		if err := m.opts.SecretStore.Put(secretName, encrypted); err != nil {
			return fmt.Errorf("persist secret %s: %w", secretName, err)
		}
	}

	m.mu.Lock()
	if m.auth.Secrets == nil {
		m.auth.Secrets = make(map[string]secrets.Encrypted)
	}
	m.auth.Secrets[secretName] = encrypted
	m.mu.Unlock()

	if !m.ReloadPluginWithSecret(ctx, pluginName, secretName, plaintext) {
		return fmt.Errorf("secret %s saved but plugin %s was not reloaded", secretName, pluginName)
	}
	return nil
}

// SecretDeclarations lists every secret declared by loaded modules, keyed by
// plugin name.
func (m *Manager) SecretDeclarations() map[string][]SecretDeclaration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]SecretDeclaration)
	for name, reg := range m.plugins {
		if reg.spec == nil {
			continue
		}
		module, ok := m.modules[reg.spec.ModuleName]
		if !ok {
			continue
		}
		if decls := secretDeclarations(module); len(decls) > 0 {
			out[name] = decls
		}
	}
	return out
}

func (m *Manager) cachedSecret(name string) (string, bool) {
	m.secretsMu.RLock()
	defer m.secretsMu.RUnlock()
	v, ok := m.resolved[name]
	return v, ok
}

func (m *Manager) cacheSecret(name, plaintext string) {
	m.secretsMu.Lock()
	m.resolved[name] = plaintext
	m.secretsMu.Unlock()

	if m.opts.OnSecret != nil {
		m.opts.OnSecret(plaintext)
	}
}

// Register records instance under its name, overwriting any prior
// registration. When enabled, the instance is activated with the chat client
// first; if activation fails the registration is kept but disabled and the
// activation error is returned.
func (m *Manager) Register(ctx context.Context, instance *Instance, enabled bool) error {
	if err := validateInstance(instance); err != nil {
		return err
	}
	return m.register(ctx, instance, enabled, nil, false)
}

func (m *Manager) register(ctx context.Context, instance *Instance, enabled bool, spec *Spec, custom bool) error {
	return m.swap(ctx, instance.Name, instance, enabled, spec, custom)
}

// swap installs instance in place of the registration named previous. The new
// instance is activated before the map entry changes, and the entry is
// replaced under one lock holding its position in the order, so tool calls
// never observe the plugin missing.
func (m *Manager) swap(ctx context.Context, previous string, instance *Instance, enabled bool, spec *Spec, custom bool) error {
	userDisabled := false
	m.mu.RLock()
	if old, ok := m.plugins[previous]; ok && !enabled {
		userDisabled = old.disabledByUser
	}
	m.mu.RUnlock()

	var activateErr error
	if enabled {
		if activateErr = m.activate(ctx, instance); activateErr != nil {
			enabled = false
		}
	}

	m.mu.Lock()
	old, hadOld := m.plugins[previous]
	oldEnabled := hadOld && old.Enabled
	if hadOld && previous != instance.Name {
		delete(m.plugins, previous)
		m.order = removeName(m.order, instance.Name)
		for i, n := range m.order {
			if n == previous {
				m.order[i] = instance.Name
				break
			}
		}
	} else if _, exists := m.plugins[instance.Name]; !exists {
		m.order = append(m.order, instance.Name)
	}
	m.plugins[instance.Name] = &Registration{
		Instance:       instance,
		Enabled:        enabled,
		ToolCount:      len(instance.Tools),
		spec:           spec,
		custom:         custom,
		disabledByUser: userDisabled,
	}
	count := m.visibleCountLocked()
	m.mu.Unlock()

	if oldEnabled && (previous != instance.Name || !enabled) {
		m.deactivate(ctx, previous)
	}

	m.metrics.SetPluginsRegistered(count)
	if activateErr != nil {
		return fmt.Errorf("activate plugin %s: %w", instance.Name, activateErr)
	}
	return nil
}

func removeName(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func (m *Manager) activate(ctx context.Context, instance *Instance) error {
	if m.opts.Client == nil {
		return nil
	}
	return m.opts.Client.Activate(ctx, instance)
}

func (m *Manager) deactivate(ctx context.Context, name string) {
	if m.opts.Client == nil {
		return
	}
	if err := m.opts.Client.Deactivate(ctx, name); err != nil {
		m.logger.Debug().Err(err).Str("plugin", name).Msg("Deactivate failed, ignoring")
	}
}

// Unregister removes a registration, deactivating it first if enabled.
// Unknown names are a no-op.
func (m *Manager) Unregister(ctx context.Context, name string) {
	m.mu.Lock()
	reg, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
		m.order = removeName(m.order, name)
	}
	count := m.visibleCountLocked()
	m.mu.Unlock()

	if !ok {
		return
	}
	if reg.Enabled {
		m.deactivate(ctx, name)
	}
	m.metrics.SetPluginsRegistered(count)
}

// Enable activates a registered plugin. It returns false if the plugin is
// unknown or activation fails, true if it is now (or already was) enabled.
func (m *Manager) Enable(ctx context.Context, name string) bool {
	m.mu.RLock()
	reg, ok := m.plugins[name]
	var instance *Instance
	var already bool
	if ok {
		instance = reg.Instance
		already = reg.Enabled
	}
	m.mu.RUnlock()

	if !ok {
		return false
	}
	if already {
		return true
	}

	if err := m.activate(ctx, instance); err != nil {
		m.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to enable plugin")
		return false
	}

	m.mu.Lock()
	reg, ok = m.plugins[name]
	if ok && reg.Instance == instance {
		reg.Enabled = true
		reg.disabledByUser = false
	}
	custom := ok && reg.custom
	m.mu.Unlock()

	if custom {
		m.persistEnabled(name, true)
	}
	m.logger.Info().Str("plugin", name).Msg("Plugin enabled")
	return true
}

// Disable deactivates a registered plugin. It returns false only if the
// plugin is unknown.
func (m *Manager) Disable(ctx context.Context, name string) bool {
	m.mu.Lock()
	reg, ok := m.plugins[name]
	var wasEnabled, custom bool
	if ok {
		wasEnabled = reg.Enabled
		custom = reg.custom
		reg.Enabled = false
		reg.disabledByUser = true
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if !wasEnabled {
		return true
	}

	m.deactivate(ctx, name)
	if custom {
		m.persistEnabled(name, false)
	}
	m.logger.Info().Str("plugin", name).Msg("Plugin disabled")
	return true
}

func (m *Manager) persistEnabled(name string, enabled bool) {
	if m.opts.Custom == nil {
		return
	}
	if err := m.opts.Custom.SetEnabled(name, enabled); err != nil {
		m.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to persist plugin state")
	}
}

// List returns every registration whose name does not carry ReservedPrefix,
// in registration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		if strings.HasPrefix(name, ReservedPrefix) {
			continue
		}
		reg := m.plugins[name]
		infos = append(infos, Info{
			Name:      name,
			Version:   reg.Instance.Version,
			Enabled:   reg.Enabled,
			ToolCount: reg.ToolCount,
		})
	}
	return infos
}

func (m *Manager) visibleCountLocked() int {
	n := 0
	for _, name := range m.order {
		if !strings.HasPrefix(name, ReservedPrefix) {
			n++
		}
	}
	return n
}

// GetTools returns the tools of every enabled plugin.
func (m *Manager) GetTools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []ToolInfo
	for _, name := range m.order {
		reg := m.plugins[name]
		if !reg.Enabled {
			continue
		}
		for _, tool := range reg.Instance.Tools {
			tools = append(tools, ToolInfo{
				Name:        tool.Name,
				Description: tool.Description,
				Plugin:      reg.Instance.Name,
			})
		}
	}
	return tools
}

// GetSystemMessage describes the enabled plugins and their tools for the
// model. It returns nil when no enabled plugin exposes a tool.
func (m *Manager) GetSystemMessage() *SystemMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	for _, name := range m.order {
		reg := m.plugins[name]
		if !reg.Enabled || len(reg.Instance.Tools) == 0 {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("## Available Plugin Tools\n\n")
			b.WriteString("The following plugins are enabled and their tools can be called directly:\n")
		}
		fmt.Fprintf(&b, "\n### %s", reg.Instance.Name)
		if reg.Instance.Version != "" {
			fmt.Fprintf(&b, " (v%s)", reg.Instance.Version)
		}
		b.WriteString("\n")
		for _, tool := range reg.Instance.Tools {
			fmt.Fprintf(&b, "- **%s**: %s\n", tool.Name, tool.Description)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	b.WriteString("\nUse these tools proactively whenever they help answer the user's request.")

	return &SystemMessage{Role: "system", Content: b.String()}
}

// executor returns the executor registered for tool on plugin, regardless of
// enabled state.
func (m *Manager) executor(pluginName, toolName string) (Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.plugins[pluginName]
	if !ok {
		return nil, false
	}
	executor, ok := reg.Instance.Executors[toolName]
	return executor, ok
}

// Execute runs toolName on the first enabled plugin that exposes it.
func (m *Manager) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	var (
		pluginName string
		executor   Executor
	)

	m.mu.RLock()
	for _, name := range m.order {
		reg := m.plugins[name]
		if !reg.Enabled {
			continue
		}
		if e, ok := reg.Instance.Executors[toolName]; ok {
			pluginName, executor = reg.Instance.Name, e
			break
		}
	}
	m.mu.RUnlock()

	if executor == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	start := time.Now()
	result, err := executor(ctx, args)
	m.metrics.RecordToolExecution(pluginName, toolName, time.Since(start), err)
	if err != nil {
		m.logger.Debug().Err(err).Str("plugin", pluginName).Str("tool", toolName).Msg("Tool execution failed")
	}
	return result, err
}

// InstallCustom compiles, persists and registers a runtime-defined plugin.
func (m *Manager) InstallCustom(ctx context.Context, def CustomPlugin) error {
	if m.opts.Custom == nil {
		return errors.New("custom plugins are not configured")
	}
	if err := m.checkCustomName(def.Name); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}

	instance, err := BuildCustomInstance(def, m.logger)
	if err != nil {
		return err
	}
	if err := m.opts.Custom.Save(def); err != nil {
		return fmt.Errorf("save custom plugin %s: %w", def.Name, err)
	}

	if err := m.registerCustom(ctx, instance, def); err != nil {
		m.logger.Warn().Err(err).Str("plugin", def.Name).Msg("Custom plugin registered disabled")
	}
	m.logger.Info().Str("plugin", def.Name).Str("version", def.Version).Msg("Custom plugin installed")
	return nil
}

// registerCustom registers a custom plugin and remembers the definition it
// was built from.
func (m *Manager) registerCustom(ctx context.Context, instance *Instance, def CustomPlugin) error {
	err := m.register(ctx, instance, def.Enabled, nil, true)
	m.mu.Lock()
	if reg, ok := m.plugins[def.Name]; ok && reg.Instance == instance {
		reg.def = &def
	}
	m.mu.Unlock()
	return err
}

// checkCustomName rejects names owned by module plugins, god mode or
// internal registrations.
func (m *Manager) checkCustomName(name string) error {
	if name == GodModeName || strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	m.mu.RLock()
	reg, ok := m.plugins[name]
	m.mu.RUnlock()
	if ok && !reg.custom {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	return nil
}

// UninstallCustom removes a runtime-defined plugin from the store and the registry.
func (m *Manager) UninstallCustom(ctx context.Context, name string) error {
	if m.opts.Custom == nil {
		return errors.New("custom plugins are not configured")
	}

	m.mu.RLock()
	reg, ok := m.plugins[name]
	m.mu.RUnlock()
	if ok && !reg.custom {
		return fmt.Errorf("plugin %s is not a custom plugin", name)
	}

	if err := m.opts.Custom.Remove(name); err != nil {
		return err
	}
	m.Unregister(ctx, name)
	m.logger.Info().Str("plugin", name).Msg("Custom plugin uninstalled")
	return nil
}

// SyncCustom reconciles registered custom plugins with the store: new or
// changed entries are (re)registered, removed entries are unregistered.
func (m *Manager) SyncCustom(ctx context.Context) error {
	if m.opts.Custom == nil {
		return nil
	}
	defs, err := m.opts.Custom.Load()
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(defs))
	for _, def := range defs {
		wanted[def.Name] = true

		if err := m.checkCustomName(def.Name); err != nil {
			m.logger.Warn().Err(err).Str("plugin", def.Name).Msg("Custom plugin name collides with a built-in plugin, skipping")
			continue
		}
		if m.customUnchanged(def) {
			continue
		}

		instance, err := BuildCustomInstance(def, m.logger)
		if err != nil {
			m.logger.Warn().Err(err).Str("plugin", def.Name).Msg("Skipping custom plugin")
			continue
		}
		if err := m.registerCustom(ctx, instance, def); err != nil {
			m.logger.Warn().Err(err).Str("plugin", def.Name).Msg("Custom plugin registered disabled")
		}
	}

	m.mu.RLock()
	var stale []string
	for name, reg := range m.plugins {
		if reg.custom && !wanted[name] {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)

	for _, name := range stale {
		m.Unregister(ctx, name)
	}
	return nil
}

// customUnchanged reports whether def matches the registered custom plugin
// of the same name, including its enabled state.
func (m *Manager) customUnchanged(def CustomPlugin) bool {
	m.mu.RLock()
	reg, ok := m.plugins[def.Name]
	m.mu.RUnlock()
	if !ok || !reg.custom || reg.def == nil {
		return false
	}
	return reg.Enabled == def.Enabled && sameCustom(*reg.def, def)
}

// Close releases loader resources such as plugin subprocesses.
func (m *Manager) Close() error {
	if closer, ok := m.opts.Loader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
