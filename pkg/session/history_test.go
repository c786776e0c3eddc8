package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "input.history")

	h, err := OpenHistory(path, 0)
	require.NoError(t, err)
	assert.Empty(t, h.Lines())

	require.NoError(t, h.Add("hello"))
	require.NoError(t, h.Add("hello"))
	require.NoError(t, h.Add("   "))
	require.NoError(t, h.Add("/plugins"))
	assert.Equal(t, []string{"hello", "/plugins"}, h.Lines())

	reopened, err := OpenHistory(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "/plugins"}, reopened.Lines())
}

func TestHistory_Limit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.history")

	h, err := OpenHistory(path, 3)
	require.NoError(t, err)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, h.Add(line))
	}
	assert.Equal(t, []string{"c", "d", "e"}, h.Lines())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "c\nd\ne\n", string(data))
}

func TestHistory_TrimsOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.history")
	require.NoError(t, os.WriteFile(path, []byte("a\n\nb\nc\n"), 0600))

	h, err := OpenHistory(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, h.Lines())
}
