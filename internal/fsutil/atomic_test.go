package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSON(path, map[string]int{"a": 2}))

	var got map[string]int
	exists, err := ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, map[string]int{"a": 2}, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are renamed away")
}

func TestReadJSONMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	var v map[string]interface{}

	exists, err := ReadJSON(filepath.Join(dir, "nope.json"), &v)
	assert.NoError(t, err)
	assert.False(t, exists)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("[1,"), 0o600))
	exists, err = ReadJSON(bad, &v)
	assert.True(t, exists)
	assert.Error(t, err)
}
