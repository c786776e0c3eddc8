package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("WALLETAGENT_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, DefaultConfig().AgentURL, cfg.AgentURL)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "walletagent.log"), cfg.Logging.File)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("values from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		content := `{
			"auth_url": "https://auth.local",
			"agent_url": "ws://localhost:8080/chat",
			"data_dir": "` + filepath.ToSlash(tmpDir) + `",
			"plugins": {
				"trading": {"slippage": 0.5}
			},
			"secrets": {"resolve_timeout": 5},
			"render": {"style": "dark"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "https://auth.local", cfg.AuthURL)
		assert.Equal(t, "ws://localhost:8080/chat", cfg.AgentURL)
		assert.Equal(t, 5, cfg.Secrets.ResolveTimeout)
		assert.Equal(t, "dark", cfg.Render.Style)
		assert.True(t, cfg.Render.Enabled)
		assert.Equal(t, 100, cfg.Render.WordWrap)

		trading, ok := cfg.Plugins["trading"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 0.5, trading["slippage"])
	})

	t.Run("env overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"agent_url": "ws://file:1/chat"}`), 0600))

		t.Setenv("WALLETAGENT_AGENT_URL", "ws://env:2/chat")
		t.Setenv("WALLETAGENT_SECRETS_RESOLVE_TIMEOUT", "12")
		t.Setenv("WALLETAGENT_DATA_DIR", tmpDir)

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "ws://env:2/chat", cfg.AgentURL)
		assert.Equal(t, 12, cfg.Secrets.ResolveTimeout)
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{invalid`), 0600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")
	t.Setenv("WALLETAGENT_DATA_DIR", tmpDir)

	cfg := DefaultConfig()
	cfg.AgentURL = "ws://saved:9/chat"
	cfg.Render.Style = "light"

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://saved:9/chat", loaded.AgentURL)
	assert.Equal(t, "light", loaded.Render.Style)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/custom/config.json", NewLoader("/custom/config.json").GetConfigPath())
	assert.Contains(t, NewLoader("").GetConfigPath(), filepath.Join(appDirName, configFileName))
}
