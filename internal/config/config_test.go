package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpx/rcpx/internal/wal"
)

func TestDefaultMatchesReferenceDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:7401", cfg.Network.BindAddr)
	assert.Equal(t, uint64(300), cfg.Network.IdleTimeoutSec)
	assert.Equal(t, 1000, cfg.Network.MaxConnections)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Auth.Required)
	assert.True(t, cfg.Compaction.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadAppliesYAMLFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcpx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  bind_addr: "0.0.0.0:9999"
storage:
  data_dir: "/var/lib/rcpx"
`), 0o644))

	t.Setenv("RCPX_CONFIG", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Network.BindAddr)
	assert.Equal(t, "/var/lib/rcpx", cfg.Storage.DataDir)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1000, cfg.Network.MaxConnections)
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcpx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  bind_addr: "0.0.0.0:9999"
`), 0o644))

	t.Setenv("RCPX_CONFIG", path)
	t.Setenv("RCPX_BIND", "10.0.0.1:7401")
	t.Setenv("RCPX_AUTH_REQUIRED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7401", cfg.Network.BindAddr)
	assert.True(t, cfg.Auth.Required)
}

func TestAuthLoadSecretsSkipsBlankAndCommentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\nhash-one\nhash-two\n"), 0o644))

	a := AuthConfig{SecretsFile: path}
	require.NoError(t, a.LoadSecrets())
	assert.Equal(t, []string{"hash-one", "hash-two"}, a.TokenHashes)
}

func TestAuthLoadSecretsNoopWithoutFile(t *testing.T) {
	a := AuthConfig{}
	require.NoError(t, a.LoadSecrets())
	assert.Empty(t, a.TokenHashes)
}

func TestFsyncPolicyNameResolve(t *testing.T) {
	assert.Equal(t, wal.EveryWrite(), FsyncPolicyName("every_write").Resolve())
	assert.Equal(t, wal.Never(), FsyncPolicyName("never").Resolve())
	assert.Equal(t, wal.EveryN(250), FsyncPolicyName("every_n:250").Resolve())
	assert.Equal(t, wal.EveryMs(500*time.Millisecond), FsyncPolicyName("every_ms:500").Resolve())
	assert.Equal(t, wal.EveryWrite(), FsyncPolicyName("garbage").Resolve())
}

func TestStorageConfigWALSegmentSizeBytes(t *testing.T) {
	s := StorageConfig{WALSegmentSizeMB: 64}
	assert.Equal(t, uint64(64*1024*1024), s.WALSegmentSizeBytes())
}
