package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// RPCLoader loads modules that run as separate processes, discovered as
// <dir>/<module>/plugin.json and spoken to over net/rpc.
type RPCLoader struct {
	logger    zerolog.Logger
	discovery *ModuleDiscovery
	manifests *ManifestLoader
	dirs      []string

	scanOnce sync.Once
	index    map[string]indexedModule

	mu      sync.Mutex
	clients []*plugin.Client
}

type indexedModule struct {
	dir      string
	manifest *ModuleManifest
}

// NewRPCLoader creates a loader scanning dirs for module manifests.
func NewRPCLoader(logger zerolog.Logger, hostVersion string, dirs ...string) *RPCLoader {
	return &RPCLoader{
		logger:    logger.With().Str("component", "rpc-loader").Logger(),
		discovery: NewModuleDiscovery(logger),
		manifests: NewManifestLoader(logger, hostVersion),
		dirs:      dirs,
	}
}

// scan indexes manifests by module name once. Invalid manifests are skipped.
func (l *RPCLoader) scan() {
	l.scanOnce.Do(func() {
		l.index = make(map[string]indexedModule)
		for _, found := range l.discovery.Discover(l.dirs...) {
			manifest, err := l.manifests.LoadManifest(found.ManifestPath)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", found.ManifestPath).Msg("Skipping module with invalid manifest")
				continue
			}
			if _, dup := l.index[manifest.Module]; dup {
				l.logger.Warn().Str("module", manifest.Module).Str("path", found.Path).Msg("Duplicate module, keeping first")
				continue
			}
			l.index[manifest.Module] = indexedModule{dir: found.Path, manifest: manifest}
		}
	})
}

// Modules returns the valid manifests found in the plugin directories,
// sorted by module name.
func (l *RPCLoader) Modules() []ModuleManifest {
	l.scan()

	out := make([]ModuleManifest, 0, len(l.index))
	for _, entry := range l.index {
		out = append(out, *entry.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// Load starts the module process and returns a Module backed by it.
func (l *RPCLoader) Load(ctx context.Context, moduleName string) (Module, error) {
	l.scan()

	entry, ok := l.index[moduleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}

	executable := filepath.Join(entry.dir, entry.manifest.Main)
	if _, err := os.Stat(executable); err != nil {
		return nil, fmt.Errorf("module executable not found: %s", executable)
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(executable),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to module: %w", err)
	}

	raw, err := rpcClient.Dispense(moduleKey)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense module: %w", err)
	}

	remote, ok := raw.(RemoteModule)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected module type %T", raw)
	}

	module, err := newRemoteModule(remote)
	if err != nil {
		client.Kill()
		return nil, err
	}

	l.mu.Lock()
	l.clients = append(l.clients, client)
	l.mu.Unlock()

	l.logger.Info().
		Str("module", moduleName).
		Str("version", entry.manifest.Version).
		Msg("Module process started")

	return module, nil
}

// Close kills every module process started by this loader.
func (l *RPCLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, client := range l.clients {
		client.Kill()
	}
	l.clients = nil
	return nil
}

// remoteModule adapts a RemoteModule to the Module symbol interface.
type remoteModule struct {
	remote RemoteModule
	desc   ModuleDescription
}

func newRemoteModule(remote RemoteModule) (*remoteModule, error) {
	desc, err := remote.Describe()
	if err != nil {
		return nil, fmt.Errorf("describe module: %w", err)
	}
	return &remoteModule{remote: remote, desc: desc}, nil
}

func (r *remoteModule) Lookup(symbol string) (any, bool) {
	for _, name := range r.desc.Factories {
		if name == symbol {
			return r.factory(name), true
		}
	}
	if decls, ok := r.desc.Secrets[symbol]; ok {
		return decls, true
	}
	return nil, false
}

func (r *remoteModule) factory(name string) Factory {
	return func(config map[string]any) (*Instance, error) {
		wire, err := wireConfig(config)
		if err != nil {
			return nil, err
		}

		desc, err := r.remote.Construct(name, wire)
		if err != nil {
			return nil, err
		}

		executors := make(map[string]Executor, len(desc.Tools))
		for _, tool := range desc.Tools {
			executors[tool.Name] = r.executor(desc.ID, tool.Name)
		}
		return &Instance{
			Name:      desc.Name,
			Version:   desc.Version,
			Tools:     desc.Tools,
			Executors: executors,
		}, nil
	}
}

func (r *remoteModule) executor(instanceID, toolName string) Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		type result struct {
			value any
			err   error
		}
		done := make(chan result, 1)
		go func() {
			v, err := r.remote.Execute(instanceID, toolName, args)
			done <- result{v, err}
		}()

		select {
		case res := <-done:
			return res.value, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wireConfig drops the in-process client reference and normalizes the rest
// to JSON types so it can cross the process boundary.
func wireConfig(config map[string]any) (map[string]any, error) {
	stripped := make(map[string]any, len(config))
	for k, v := range config {
		if k == ClientConfigKey {
			continue
		}
		stripped[k] = v
	}

	data, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("config is not serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Join(errors.New("config round trip failed"), err)
	}
	return out, nil
}
