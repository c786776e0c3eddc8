package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/walletagent/pkg/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins",
	Long: `List installed plugin modules and manage custom plugins. Custom plugins
are stored in custom-plugins.json in the data directory; a running chat picks
up changes automatically.`,
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plugin modules and custom plugins",
	Args:  cobra.NoArgs,
	RunE:  runPluginsList,
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <file.json>",
	Short: "Install a custom plugin from a JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsInstall,
}

var pluginsUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove a custom plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsUninstall,
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a custom plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginEnabled(cmd, args[0], true)
	},
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a custom plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPluginEnabled(cmd, args[0], false)
	},
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd, pluginsInstallCmd, pluginsUninstallCmd, pluginsEnableCmd, pluginsDisableCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()

	fmt.Fprintln(out, titleStyle.Render("Plugin modules"))
	loader := plugin.NewRPCLoader(a.logger, version, a.cfg.PluginDir)
	defer loader.Close()

	installed := make(map[string]plugin.ModuleManifest)
	for _, manifest := range loader.Modules() {
		installed[manifest.Module] = manifest
	}
	for _, spec := range plugin.DefaultSpecs() {
		manifest, ok := installed[spec.ModuleName]
		if !ok {
			fmt.Fprintf(out, "  %s %s\n", nameStyle.Render(spec.ModuleName), disabledStyle.Render("not installed"))
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", nameStyle.Render(spec.ModuleName), enabledStyle.Render("v"+manifest.Version))
		delete(installed, spec.ModuleName)
	}
	for name, manifest := range installed {
		fmt.Fprintf(out, "  %s %s %s\n", nameStyle.Render(name), enabledStyle.Render("v"+manifest.Version), mutedStyle.Render("(not in registry)"))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Custom plugins"))
	customs, err := a.customStore().Load()
	if err != nil {
		return err
	}
	if len(customs) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("  none"))
		return nil
	}
	for _, c := range customs {
		fmt.Fprintf(out, "  %s %s %s %s\n",
			nameStyle.Render(c.Name), "v"+c.Version, stateLabel(c.Enabled),
			mutedStyle.Render(fmt.Sprintf("%d tools", len(c.Tools))))
	}
	return nil
}

func runPluginsInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := readCustomPlugin(args[0])
	if err != nil {
		return err
	}
	if def.Name == plugin.GodModeName || strings.HasPrefix(def.Name, plugin.ReservedPrefix) {
		return fmt.Errorf("plugin name %q is reserved", def.Name)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid plugin definition: %w", err)
	}
	if _, err := plugin.BuildCustomInstance(def, a.logger); err != nil {
		return fmt.Errorf("invalid plugin definition: %w", err)
	}

	if err := a.customStore().Save(def); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s v%s (%d tools)\n", def.Name, def.Version, len(def.Tools))
	return nil
}

// readCustomPlugin reads a definition from path, or stdin for "-". A
// definition without an enabled field is enabled.
func readCustomPlugin(path string) (plugin.CustomPlugin, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return plugin.CustomPlugin{}, fmt.Errorf("failed to read plugin definition: %w", err)
	}

	def := plugin.CustomPlugin{Enabled: true}
	if err := json.Unmarshal(data, &def); err != nil {
		return plugin.CustomPlugin{}, fmt.Errorf("failed to parse plugin definition: %w", err)
	}
	return def, nil
}

func runPluginsUninstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.customStore().Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
	return nil
}

func setPluginEnabled(cmd *cobra.Command, name string, enabled bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.customStore().SetEnabled(name, enabled); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", name, stateLabel(enabled))
	return nil
}
