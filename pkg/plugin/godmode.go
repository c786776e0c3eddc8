package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// GodModeName is the name of the built-in plugin that lets the model manage
// custom plugins.
const GodModeName = "god-mode"

// NewGodModePlugin builds the built-in plugin whose tools install, uninstall
// and list plugins through m. It is registered disabled.
func NewGodModePlugin(m *Manager) *Instance {
	return &Instance{
		Name:    GodModeName,
		Version: "1.0.0",
		Tools: []ToolDescriptor{
			{
				Name:        "install_plugin",
				Description: "Install or replace a custom plugin whose tools run JavaScript executor code",
				Parameters: map[string]any{
					"type":     "object",
					"required": []any{"name", "version", "tools"},
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"version":     map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"enabled":     map[string]any{"type": "boolean"},
						"tools": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":     "object",
								"required": []any{"name", "description", "executorCode"},
								"properties": map[string]any{
									"name":         map[string]any{"type": "string"},
									"description":  map[string]any{"type": "string"},
									"parameters":   map[string]any{"type": "object"},
									"executorCode": map[string]any{"type": "string"},
								},
							},
						},
					},
				},
			},
			{
				Name:        "uninstall_plugin",
				Description: "Remove a custom plugin",
				Parameters: map[string]any{
					"type":       "object",
					"required":   []any{"name"},
					"properties": map[string]any{"name": map[string]any{"type": "string"}},
				},
			},
			{
				Name:        "list_plugins",
				Description: "List installed plugins and whether they are enabled",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
		Executors: map[string]Executor{
			"install_plugin": func(ctx context.Context, args map[string]any) (any, error) {
				def, err := decodeCustomPlugin(args)
				if err != nil {
					return nil, err
				}
				if err := m.InstallCustom(ctx, def); err != nil {
					return nil, err
				}
				return map[string]any{"installed": def.Name, "version": def.Version, "tools": len(def.Tools)}, nil
			},
			"uninstall_plugin": func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, fmt.Errorf("name is required")
				}
				if err := m.UninstallCustom(ctx, name); err != nil {
					return nil, err
				}
				return map[string]any{"uninstalled": name}, nil
			},
			"list_plugins": func(ctx context.Context, args map[string]any) (any, error) {
				return m.List(), nil
			},
		},
	}
}

// decodeCustomPlugin converts loosely typed tool arguments into a definition.
// Custom plugins are enabled unless the caller says otherwise.
func decodeCustomPlugin(args map[string]any) (CustomPlugin, error) {
	if _, ok := args["enabled"]; !ok {
		withDefault := make(map[string]any, len(args)+1)
		for k, v := range args {
			withDefault[k] = v
		}
		withDefault["enabled"] = true
		args = withDefault
	}

	data, err := json.Marshal(args)
	if err != nil {
		return CustomPlugin{}, fmt.Errorf("invalid plugin definition: %w", err)
	}
	var def CustomPlugin
	if err := json.Unmarshal(data, &def); err != nil {
		return CustomPlugin{}, fmt.Errorf("invalid plugin definition: %w", err)
	}
	return def, nil
}
