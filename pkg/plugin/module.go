package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Module is a loaded plugin package. It exposes named symbols the way a
// shared object does: a factory under the name given by a Spec, and
// optionally secret declarations under one of SecretExportNames.
type Module interface {
	Lookup(symbol string) (any, bool)
}

// Symbols is a Module backed by a map.
type Symbols map[string]any

// Lookup returns the named symbol.
func (s Symbols) Lookup(symbol string) (any, bool) {
	v, ok := s[symbol]
	return v, ok
}

// ModuleLoader resolves a module by name. It returns ErrModuleNotFound when the
// module is not installed, and any other error when it is present but broken.
type ModuleLoader interface {
	Load(ctx context.Context, moduleName string) (Module, error)
}

// StaticLoader serves modules compiled into the binary.
type StaticLoader struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewStaticLoader creates an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{modules: make(map[string]Module)}
}

// Add makes a module available under name, replacing any previous one.
func (l *StaticLoader) Add(name string, module Module) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[name] = module
}

// Load returns the module registered under name.
func (l *StaticLoader) Load(ctx context.Context, moduleName string) (Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.modules[moduleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}
	return module, nil
}

// ChainLoader tries each loader in order. The first module found wins; a real
// failure from any loader is returned immediately.
type ChainLoader []ModuleLoader

// Load implements ModuleLoader.
func (c ChainLoader) Load(ctx context.Context, moduleName string) (Module, error) {
	for _, loader := range c {
		module, err := loader.Load(ctx, moduleName)
		if err == nil {
			return module, nil
		}
		if !errors.Is(err, ErrModuleNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
}

// Close closes every loader that holds resources.
func (c ChainLoader) Close() error {
	var errs []error
	for _, loader := range c {
		if closer, ok := loader.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// lookupFactory resolves the factory symbol of a module.
func lookupFactory(module Module, name string) (Factory, error) {
	sym, ok := module.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("module does not export factory %q", name)
	}
	switch f := sym.(type) {
	case Factory:
		return f, nil
	case func(map[string]any) (*Instance, error):
		return f, nil
	default:
		return nil, fmt.Errorf("export %q is %T, not a plugin factory", name, sym)
	}
}

// secretDeclarations returns the first secret declaration export found.
func secretDeclarations(module Module) []SecretDeclaration {
	for _, name := range SecretExportNames {
		sym, ok := module.Lookup(name)
		if !ok {
			continue
		}
		if decls, ok := sym.([]SecretDeclaration); ok {
			return decls
		}
	}
	return nil
}

// construct invokes a factory, converting panics and invalid results into errors.
func construct(factory Factory, config map[string]any) (instance *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("plugin factory panicked: %v", r)
		}
	}()

	instance, err = factory(config)
	if err != nil {
		return nil, err
	}
	if err := validateInstance(instance); err != nil {
		return nil, err
	}
	return instance, nil
}

func validateInstance(instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("plugin factory returned nil instance")
	}
	if instance.Name == "" {
		return fmt.Errorf("plugin instance has no name")
	}
	seen := make(map[string]bool, len(instance.Tools))
	for _, tool := range instance.Tools {
		if tool.Name == "" {
			return fmt.Errorf("plugin %s declares a tool without a name", instance.Name)
		}
		if seen[tool.Name] {
			return fmt.Errorf("plugin %s declares tool %s twice", instance.Name, tool.Name)
		}
		seen[tool.Name] = true
	}
	return nil
}
