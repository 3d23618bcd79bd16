package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/protocol"
	"github.com/rcpx/rcpx/internal/wal"
)

const orderMachine = `{
  "states": ["pending", "approved"],
  "initial": "pending",
  "transitions": [
    {"from": "pending", "event": "review", "to": "approved"}
  ]
}`

func testConfig(dir string) Config {
	return Config{
		DataDir: dir, SegmentSize: 1 << 20, Fsync: wal.Never(),
		MaxMachineVersions: 0, IdempotencyRetention: time.Hour, Logger: zerolog.Nop(),
	}
}

type discardSink struct{}

func (discardSink) Publish(engine.InstanceEvent) {}

func TestOpenWiresMachinestoreAndEngine(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(testConfig(dir), discardSink{})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Engine.PutMachine("order", 1, json.RawMessage(orderMachine))
	require.NoError(t, err)

	persisted, err := store.Machines.List()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "order", persisted[0].Name)
	assert.Equal(t, 1, persisted[0].Version)
}

func TestReopenHydratesMachinesFromDiskBeforeWALReplay(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(testConfig(dir), discardSink{})
	require.NoError(t, err)
	_, err = store.Engine.PutMachine("order", 1, json.RawMessage(orderMachine))
	require.NoError(t, err)
	created, err := store.Engine.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(testConfig(dir), discardSink{})
	require.NoError(t, err)
	defer reopened.Close()

	def, err := reopened.Engine.GetMachine("order", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, def.Checksum)

	inst, err := reopened.Engine.GetInstance(created.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "pending", inst.State)
}

func TestMaxMachineVersionsZeroAllowsManyVersions(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(testConfig(dir), discardSink{})
	require.NoError(t, err)
	defer store.Close()

	for v := 1; v <= 5; v++ {
		_, err := store.Engine.PutMachine("order", v, json.RawMessage(orderMachine))
		require.NoError(t, err)
	}
}
