package plugin

import (
	"context"
	"errors"

	"github.com/harun/walletagent/pkg/secrets"
)

var (
	// ErrModuleNotFound reports that a plugin module is not installed.
	// Loaders return it for expected absence only; anything else is a broken install.
	ErrModuleNotFound = errors.New("plugin module not found")

	// ErrPluginNotFound is returned when no registration exists under a name.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrToolNotFound is returned when no enabled plugin owns a tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrReservedName is returned when a custom plugin would replace a module
	// plugin, god mode or an internal registration.
	ErrReservedName = errors.New("plugin name is reserved")

	// ErrSecretNotDeclared is returned when no known module declares a secret name.
	ErrSecretNotDeclared = errors.New("secret not declared by any plugin")
)

// ReservedPrefix marks internal bookkeeping registrations hidden from List.
const ReservedPrefix = "__"

// ClientConfigKey is the config key under which the chat client is injected.
const ClientConfigKey = "client"

// SecretExportNames are the symbols a module may export secret declarations
// under, checked in order.
var SecretExportNames = []string{"secretDeclarations", "SECRETS"}

// Spec describes an installable plugin module.
type Spec struct {
	ModuleName  string
	FactoryName string
	ConfigKey   string
}

// SecretDeclaration names a sensitive value a plugin needs and where in the
// plugin config it is injected (dot path).
type SecretDeclaration struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	ConfigPath string `json:"configPath"`
}

// ToolDescriptor is sent to the remote model so it knows what it may invoke.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Executor runs a single tool call.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// Factory builds an Instance from a plugin configuration.
type Factory func(config map[string]any) (*Instance, error)

// Instance is a constructed plugin. It is never mutated after construction;
// reconfiguration always builds a new Instance.
type Instance struct {
	Name      string
	Version   string
	Tools     []ToolDescriptor
	Executors map[string]Executor
}

// withExecutors returns a copy of the instance using the given executors.
func (i *Instance) withExecutors(executors map[string]Executor) *Instance {
	tools := make([]ToolDescriptor, len(i.Tools))
	copy(tools, i.Tools)
	return &Instance{
		Name:      i.Name,
		Version:   i.Version,
		Tools:     tools,
		Executors: executors,
	}
}

// Registration tracks one known plugin.
type Registration struct {
	Instance  *Instance
	Enabled   bool
	ToolCount int

	// spec is set for plugins built from a module spec
	spec *Spec
	// custom marks runtime-defined plugins persisted in the custom store
	custom bool
	// disabledByUser survives reloads; activation failures do not
	disabledByUser bool
	// def is the definition a custom plugin was built from
	def *CustomPlugin
}

// Info is the public summary returned by List.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Enabled   bool   `json:"enabled"`
	ToolCount int    `json:"toolCount"`
}

// ToolInfo is one advertised tool of an enabled plugin.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Plugin      string `json:"plugin"`
}

// SystemMessage is the prompt section describing enabled plugin tools.
type SystemMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the part of the chat client adapter the manager drives.
type ChatClient interface {
	// Activate advertises a plugin to the remote agent. It fails if the
	// plugin shape is rejected.
	Activate(ctx context.Context, instance *Instance) error

	// Deactivate withdraws a plugin. Failures are ignored by the manager.
	Deactivate(ctx context.Context, name string) error
}

// AuthContext carries the session handle and the encrypted secrets known
// locally at startup.
type AuthContext struct {
	SessionHandle string
	Secrets       map[string]secrets.Encrypted
}
