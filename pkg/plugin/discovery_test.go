package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleDiscovery_Discover(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	discovery := NewModuleDiscovery(logger)

	t.Run("discovers modules from all directories", func(t *testing.T) {
		tempDir := t.TempDir()
		first := filepath.Join(tempDir, "first")
		second := filepath.Join(tempDir, "second")

		createTestModule(t, first, "trading", "@hustle/plugin-trading")
		createTestModule(t, first, "a2a", "@hustle/plugin-a2a")
		createTestModule(t, second, "acp", "@hustle/plugin-acp")

		discovered := discovery.Discover(first, second)
		assert.Len(t, discovered, 3)
	})

	t.Run("skips directories without plugin.json", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestModule(t, tempDir, "valid", "@test/valid")
		require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "invalid"), 0755))

		discovered := discovery.Discover(tempDir)
		require.Len(t, discovered, 1)
		assert.Equal(t, filepath.Join(tempDir, "valid"), discovered[0].Path)
	})

	t.Run("handles missing and empty directories", func(t *testing.T) {
		tempDir := t.TempDir()
		empty := filepath.Join(tempDir, "empty")
		require.NoError(t, os.MkdirAll(empty, 0755))

		assert.Empty(t, discovery.Discover(filepath.Join(tempDir, "nonexistent"), empty, ""))
	})

	t.Run("returns correct manifest paths", func(t *testing.T) {
		tempDir := t.TempDir()
		createTestModule(t, tempDir, "trading", "@hustle/plugin-trading")

		discovered := discovery.Discover(tempDir)
		require.Len(t, discovered, 1)
		assert.Equal(t, filepath.Join(tempDir, "trading", ManifestFile), discovered[0].ManifestPath)
	})
}

// createTestModule creates a module directory with a plugin.json file
func createTestModule(t *testing.T, baseDir, dirName, moduleName string) {
	t.Helper()
	moduleDir := filepath.Join(baseDir, dirName)
	require.NoError(t, os.MkdirAll(moduleDir, 0755))

	manifestContent := `{
		"module": "` + moduleName + `",
		"version": "1.0.0",
		"main": "main"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(moduleDir, ManifestFile), []byte(manifestContent), 0644))
}

func TestRPCLoader_Modules(t *testing.T) {
	dir := t.TempDir()
	createTestModule(t, dir, "zeta", "@hustle/plugin-zeta")
	createTestModule(t, dir, "alpha", "@hustle/plugin-alpha")

	broken := filepath.Join(dir, "broken")
	require.NoError(t, os.MkdirAll(broken, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, ManifestFile), []byte(`{"module": ""}`), 0644))

	loader := NewRPCLoader(zerolog.Nop(), "1.0.0", dir)
	defer loader.Close()

	modules := loader.Modules()
	require.Len(t, modules, 2)
	assert.Equal(t, "@hustle/plugin-alpha", modules[0].Module)
	assert.Equal(t, "@hustle/plugin-zeta", modules[1].Module)
}
