package machinestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistAndListRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "machines")
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)

	def := json.RawMessage(`{"states":["a","b"],"initial":"a","transitions":[]}`)
	require.NoError(t, store.PersistMachine("order", 1, def, "abc123"))
	require.NoError(t, store.PersistMachine("order", 2, def, "def456"))

	stored, err := store.List()
	require.NoError(t, err)
	require.Len(t, stored, 2)

	byVersion := map[int]Stored{}
	for _, s := range stored {
		byVersion[s.Version] = s
	}
	assert.Equal(t, "order", byVersion[1].Name)
	assert.Equal(t, "abc123", byVersion[1].Checksum)
	assert.JSONEq(t, string(def), string(byVersion[1].Definition))
}

func TestListOnEmptyDirReturnsEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "machines"), zerolog.Nop())
	require.NoError(t, err)
	stored, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestListSkipsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.PersistMachine("order", 1, json.RawMessage(`{}`), "c"))

	// A non-JSON-decodable file alongside the valid one is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json"), 0o644))

	stored, err := store.List()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "order", stored[0].Name)
}
