package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	img := Image{InstanceID: "inst-1", Machine: "order", Version: 1, State: "approved", Ctx: json.RawMessage(`{"amount":5}`), WALOffset: 42}
	meta, err := s.Put(img, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), meta.WALOffset)

	loaded, err := s.Load(meta)
	require.NoError(t, err)
	assert.Equal(t, img.State, loaded.State)
}

func TestPutReplacesPreviousSnapshotForSameInstance(t *testing.T) {
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	img1 := Image{InstanceID: "inst-1", State: "pending", WALOffset: 1}
	meta1, err := s.Put(img1, 1000)
	require.NoError(t, err)

	img2 := Image{InstanceID: "inst-1", State: "approved", WALOffset: 2}
	meta2, err := s.Put(img2, 2000)
	require.NoError(t, err)

	latest, ok := s.LatestFor("inst-1")
	require.True(t, ok)
	assert.Equal(t, meta2.SnapshotID, latest.SnapshotID)

	_, err = s.Load(meta1)
	assert.Error(t, err, "superseded snapshot file should have been removed")
}

func TestMinWALOffsetAcrossInstances(t *testing.T) {
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Put(Image{InstanceID: "a", WALOffset: 10}, 1)
	require.NoError(t, err)
	_, err = s.Put(Image{InstanceID: "b", WALOffset: 3}, 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), s.MinWALOffset())
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	meta, err := s1.Put(Image{InstanceID: "inst-1", State: "pending", WALOffset: 7}, 1)
	require.NoError(t, err)

	s2, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	reloaded, ok := s2.LatestFor("inst-1")
	require.True(t, ok)
	assert.Equal(t, meta.SnapshotID, reloaded.SnapshotID)
}

func TestChecksumMismatchDetected(t *testing.T) {
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	meta, err := s.Put(Image{InstanceID: "inst-1", WALOffset: 1}, 1)
	require.NoError(t, err)
	meta.Checksum = "deadbeef"
	_, err = s.Load(meta)
	assert.Error(t, err)
}
