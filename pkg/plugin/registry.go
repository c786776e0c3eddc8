package plugin

// ListenerConfigKey is the config key of the plugin that runs an HTTP listener.
const ListenerConfigKey = "a2a"

// DefaultListenerConfig enables the listener plugin's server unless the
// caller configures it otherwise.
func DefaultListenerConfig() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"enabled": true,
			"port":    3141,
		},
	}
}

// DefaultSpecs is the built-in registry of installable plugin modules.
func DefaultSpecs() []Spec {
	return []Spec{
		{ModuleName: "@hustle/plugin-trading", FactoryName: "createTradingPlugin", ConfigKey: "trading"},
		{ModuleName: "@hustle/plugin-a2a", FactoryName: "createA2APlugin", ConfigKey: ListenerConfigKey},
		{ModuleName: "@hustle/plugin-acp", FactoryName: "createACPPlugin", ConfigKey: "acp"},
		{ModuleName: "@hustle/plugin-elizaos", FactoryName: "createElizaOSPlugin", ConfigKey: "elizaos"},
	}
}
