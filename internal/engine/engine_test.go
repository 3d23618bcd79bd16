package engine

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpx/rcpx/internal/protocol"
	"github.com/rcpx/rcpx/internal/wal"
)

const orderMachine = `{
  "states": ["pending", "approved", "rejected", "shipped"],
  "initial": "pending",
  "transitions": [
    {"from": "pending", "event": "review", "to": "rejected", "guard": "ctx.amount > 1000"},
    {"from": "pending", "event": "review", "to": "approved"},
    {"from": "approved", "event": "ship", "to": "shipped"}
  ]
}`

func newTestEngine(t *testing.T) (*Engine, *wal.Wal) {
	t.Helper()
	dir := t.TempDir()
	eng := New(zerolog.Nop())
	w, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng.Replay)
	require.NoError(t, err)
	eng.AttachWAL(w)
	t.Cleanup(func() { _ = w.Close(); _ = os.RemoveAll(dir) })
	return eng, w
}

func mustPutMachine(t *testing.T, eng *Engine, name string, version int, def string) {
	t.Helper()
	_, err := eng.PutMachine(name, version, json.RawMessage(def))
	require.NoError(t, err)
}

func TestPutMachineIdempotentOnIdenticalChecksum(t *testing.T) {
	eng, _ := newTestEngine(t)
	res1, err := eng.PutMachine("order", 1, json.RawMessage(orderMachine))
	require.NoError(t, err)
	assert.True(t, res1.Created)

	res2, err := eng.PutMachine("order", 1, json.RawMessage(orderMachine))
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res1.StoredChecksum, res2.StoredChecksum)
}

func TestPutMachineConflictingChecksumRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	_, err := eng.PutMachine("order", 1, json.RawMessage(`{"states":["a"],"initial":"a","transitions":[]}`))
	assert.ErrorIs(t, err, ErrMachineVersionExists)
}

func TestCreateInstanceAndApplyEventGuardSelection(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)

	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "pending", created.State)

	res, err := eng.ApplyEvent(&protocol.ApplyEventParams{
		InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount": 50}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.ToState)

	inst, err := eng.GetInstance(created.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.State)
}

func TestApplyEventGuardRoutesToMatchingTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	res, err := eng.ApplyEvent(&protocol.ApplyEventParams{
		InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount": 5000}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "rejected", res.ToState)
}

func TestApplyEventNoMatchingTransitionIsInvalidTransition(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	_, err = eng.ApplyEvent(&protocol.ApplyEventParams{InstanceID: created.InstanceID, Event: "ship"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyEventIdempotencyKeyReturnsCachedResult(t *testing.T) {
	eng, _ := newTestEngine(t)
	store := newMemIdemStore()
	eng.idem = store
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	first, err := eng.ApplyEvent(&protocol.ApplyEventParams{
		InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount": 50}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	second, err := eng.ApplyEvent(&protocol.ApplyEventParams{
		InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount": 9999}`), IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ToState, second.ToState, "retried request with same key must return the original outcome, not re-evaluate guards")
}

func TestApplyEventExpectedStateConflict(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	_, err = eng.ApplyEvent(&protocol.ApplyEventParams{
		InstanceID: created.InstanceID, Event: "review", ExpectedState: "approved",
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "expected_state", conflict.Field)
}

func TestDeleteInstanceIsIdempotentAfterDeletion(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	res1, err := eng.DeleteInstance(&protocol.DeleteInstanceParams{InstanceID: created.InstanceID})
	require.NoError(t, err)
	assert.True(t, res1.Deleted)

	res2, err := eng.DeleteInstance(&protocol.DeleteInstanceParams{InstanceID: created.InstanceID})
	require.NoError(t, err)
	assert.True(t, res2.Deleted)
}

func TestDeleteInstanceNeverExistedIsNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.DeleteInstance(&protocol.DeleteInstanceParams{InstanceID: "never-existed"})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestBatchAtomicStopsOnFirstFailure(t *testing.T) {
	eng, _ := newTestEngine(t)
	mustPutMachine(t, eng, "order", 1, orderMachine)
	created, err := eng.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)

	badParams, _ := json.Marshal(protocol.ApplyEventParams{InstanceID: created.InstanceID, Event: "ship"})
	goodParams, _ := json.Marshal(protocol.ApplyEventParams{InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount":1}`)})

	res, err := eng.Batch(&protocol.BatchParams{
		Mode: protocol.BatchAtomic,
		Ops: []protocol.BatchOp{
			{Op: protocol.OpApplyEvent, Params: badParams},
			{Op: protocol.OpApplyEvent, Params: goodParams},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.RolledBack)
	require.Len(t, res.Results, 1)
	assert.Equal(t, protocol.StatusError, res.Results[0].Status)
}

func TestReplayRebuildsStateAfterReopen(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	eng1 := New(zerolog.Nop())
	w1, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng1.Replay)
	require.NoError(t, err)
	eng1.AttachWAL(w1)
	mustPutMachine(t, eng1, "order", 1, orderMachine)
	created, err := eng1.CreateInstance(&protocol.CreateInstanceParams{Machine: "order", Version: 1})
	require.NoError(t, err)
	_, err = eng1.ApplyEvent(&protocol.ApplyEventParams{InstanceID: created.InstanceID, Event: "review", Payload: json.RawMessage(`{"amount":1}`)})
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	eng2 := New(zerolog.Nop())
	w2, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng2.Replay)
	require.NoError(t, err)
	eng2.AttachWAL(w2)
	t.Cleanup(func() { _ = w2.Close() })

	inst, err := eng2.GetInstance(created.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.State)
}

// memIdemStore is a trivial in-memory IdempotencyStore used to exercise
// idempotency-key handling in these tests without the real package.
type memIdemStore struct {
	m map[string]IdempotencyRecord
}

func newMemIdemStore() *memIdemStore { return &memIdemStore{m: make(map[string]IdempotencyRecord)} }

func (s *memIdemStore) Get(scope, key string) (IdempotencyRecord, bool) {
	rec, ok := s.m[scope+"|"+key]
	return rec, ok
}

func (s *memIdemStore) Put(scope, key string, rec IdempotencyRecord) error {
	s.m[scope+"|"+key] = rec
	return nil
}

// memMachineSink is a trivial in-memory MachineSink used only to verify
// PutMachine persists outside the WAL.
type memMachineSink struct {
	persisted map[string]json.RawMessage
}

func newMemMachineSink() *memMachineSink {
	return &memMachineSink{persisted: make(map[string]json.RawMessage)}
}

func (s *memMachineSink) PersistMachine(name string, version int, body json.RawMessage, checksum string) error {
	s.persisted[name] = body
	return nil
}

func TestPutMachinePersistsToMachineSink(t *testing.T) {
	dir := t.TempDir()
	sink := newMemMachineSink()
	eng := New(zerolog.Nop(), WithMachineSink(sink))
	w, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng.Replay)
	require.NoError(t, err)
	eng.AttachWAL(w)
	t.Cleanup(func() { _ = w.Close() })

	mustPutMachine(t, eng, "order", 1, orderMachine)
	assert.Contains(t, sink.persisted, "order")
}

func TestHydrateMachineThenReplaySkipsReparsing(t *testing.T) {
	dir := t.TempDir()
	eng1 := New(zerolog.Nop())
	w1, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng1.Replay)
	require.NoError(t, err)
	eng1.AttachWAL(w1)
	mustPutMachine(t, eng1, "order", 1, orderMachine)
	require.NoError(t, w1.Close())

	eng2 := New(zerolog.Nop())
	require.NoError(t, eng2.HydrateMachine("order", 1, json.RawMessage(orderMachine)))
	w2, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng2.Replay)
	require.NoError(t, err)
	eng2.AttachWAL(w2)
	t.Cleanup(func() { _ = w2.Close() })

	res, err := eng2.GetMachine("order", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Checksum)
}

func TestMaxMachineVersionsZeroMeansUnlimited(t *testing.T) {
	dir := t.TempDir()
	eng := New(zerolog.Nop(), WithMaxMachineVersions(0))
	w, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng.Replay)
	require.NoError(t, err)
	eng.AttachWAL(w)
	t.Cleanup(func() { _ = w.Close() })

	for v := 1; v <= 5; v++ {
		_, err := eng.PutMachine("order", v, json.RawMessage(orderMachine))
		require.NoError(t, err)
	}
}

func TestMaxMachineVersionsLimitEnforced(t *testing.T) {
	dir := t.TempDir()
	eng := New(zerolog.Nop(), WithMaxMachineVersions(1))
	w, err := wal.Open(wal.Config{Dir: dir, Fsync: wal.Never()}, eng.Replay)
	require.NoError(t, err)
	eng.AttachWAL(w)
	t.Cleanup(func() { _ = w.Close() })

	mustPutMachine(t, eng, "order", 1, orderMachine)
	_, err = eng.PutMachine("order", 2, json.RawMessage(orderMachine))
	assert.ErrorIs(t, err, ErrMachineVersionLimit)
}
