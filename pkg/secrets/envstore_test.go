package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".env.secrets")
	store := NewEnvStore(path)

	t.Run("missing file is empty", func(t *testing.T) {
		all, err := store.Load()
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("put and load", func(t *testing.T) {
		require.NoError(t, store.Put("A2A_PRIVATE_KEY", Encrypted{Ciphertext: "c1", DataToEncryptHash: "h1"}))
		require.NoError(t, store.Put("TRADING_API_KEY", Encrypted{Ciphertext: "c2", DataToEncryptHash: "h2"}))

		all, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, Encrypted{Ciphertext: "c1", DataToEncryptHash: "h1"}, all["A2A_PRIVATE_KEY"])
		assert.Equal(t, Encrypted{Ciphertext: "c2", DataToEncryptHash: "h2"}, all["TRADING_API_KEY"])

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("names sorted", func(t *testing.T) {
		names, err := store.Names()
		require.NoError(t, err)
		assert.Equal(t, []string{"A2A_PRIVATE_KEY", "TRADING_API_KEY"}, names)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete("A2A_PRIVATE_KEY"))
		all, err := store.Load()
		require.NoError(t, err)
		assert.NotContains(t, all, "A2A_PRIVATE_KEY")
		assert.Contains(t, all, "TRADING_API_KEY")
	})

	t.Run("rejects invalid name", func(t *testing.T) {
		err := store.Put("bad name", Encrypted{Ciphertext: "c"})
		assert.Error(t, err)
	})
}
