package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/protocol"
	"github.com/rcpx/rcpx/internal/wal"
)

// Engine is the FSM core: a machine-definition registry plus an instance
// store, backed by a write-ahead log. Engine itself never touches a
// socket or a session; internal/server owns dispatch and calls these
// methods directly.
type Engine struct {
	logger zerolog.Logger

	regMu       sync.RWMutex
	machines    map[string]map[int]*Definition
	latest      map[string]int
	maxVersions int

	instMu    sync.RWMutex
	instances map[string]*Instance

	wal    *wal.Wal
	idem   IdempotencyStore
	sink   EventSink
	macSnk MachineSink
}

// MachineSink persists machine definitions to disk, independent of the WAL.
// Like the original store.rs, machine definitions live as the files under
// <data_dir>/machines/ are authoritative; the WAL's PutMachine entry merely
// confirms the write happened, and replay skips re-registering a machine
// already loaded from disk at startup.
type MachineSink interface {
	PersistMachine(name string, version int, body json.RawMessage, checksum string) error
}

type noopMachineSink struct{}

func (noopMachineSink) PersistMachine(string, int, json.RawMessage, string) error { return nil }

// Option configures an Engine at construction.
type Option func(*Engine)

func WithIdempotencyStore(s IdempotencyStore) Option { return func(e *Engine) { e.idem = s } }
func WithEventSink(s EventSink) Option               { return func(e *Engine) { e.sink = s } }
func WithMaxMachineVersions(n int) Option            { return func(e *Engine) { e.maxVersions = n } }
func WithMachineSink(s MachineSink) Option           { return func(e *Engine) { e.macSnk = s } }

// New constructs an Engine with no WAL attached yet. Callers open the WAL
// with Replay as its replay callback, then call AttachWAL once Open
// returns so subsequent mutations are durable.
func New(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:      logger,
		machines:    make(map[string]map[int]*Definition),
		latest:      make(map[string]int),
		instances:   make(map[string]*Instance),
		idem:        noopIdempotencyStore{},
		sink:        noopEventSink{},
		macSnk:      noopMachineSink{},
		maxVersions: 50,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttachWAL wires the durability layer in after replay has populated the
// in-memory state from it.
func (e *Engine) AttachWAL(w *wal.Wal) { e.wal = w }

// Replay satisfies wal.ReplayFunc: it rebuilds in-memory registry and
// instance state from a previously-written log, trusting every record as
// already validated (guards are not re-evaluated; the log is authoritative).
func (e *Engine) Replay(_ uint64, offset wal.Offset, entryType wal.EntryType, entry wal.Entry) error {
	switch ent := entry.(type) {
	case wal.PutMachineEntry:
		// Machine definitions are loaded from disk at startup (HydrateMachine);
		// this entry just confirms the write already happened.
		e.regMu.RLock()
		_, alreadyLoaded := e.machines[ent.Machine][ent.Version]
		e.regMu.RUnlock()
		if alreadyLoaded {
			return nil
		}

		def, err := ParseDefinition(ent.Machine, ent.Version, ent.Definition)
		if err != nil {
			return fmt.Errorf("engine: replay put_machine %s v%d: %w", ent.Machine, ent.Version, err)
		}
		e.regMu.Lock()
		if e.machines[ent.Machine] == nil {
			e.machines[ent.Machine] = make(map[int]*Definition)
		}
		e.machines[ent.Machine][ent.Version] = def
		if ent.Version > e.latest[ent.Machine] {
			e.latest[ent.Machine] = ent.Version
		}
		e.regMu.Unlock()

	case wal.CreateInstanceEntry:
		// A snapshot may already have hydrated this instance at or after
		// this entry's offset (snapshot-bounded replay starts at the
		// earliest live snapshot offset, not per-instance) — skip re-creating.
		if _, exists := e.getInstanceLocked(ent.InstanceID); exists {
			return nil
		}
		ctx := map[string]any{}
		if len(ent.InitialCtx) > 0 {
			if err := json.Unmarshal(ent.InitialCtx, &ctx); err != nil {
				return err
			}
		}
		inst := &Instance{
			ID:        ent.InstanceID,
			Machine:   ent.Machine,
			Version:   ent.Version,
			State:     ent.InitialState,
			Ctx:       ctx,
			Lifecycle: LifecycleActive,
			WALOffset: uint64(offset),
		}
		e.instMu.Lock()
		e.instances[ent.InstanceID] = inst
		e.instMu.Unlock()

	case wal.ApplyEventEntry:
		inst, ok := e.getInstanceLocked(ent.InstanceID)
		if !ok {
			return fmt.Errorf("engine: replay apply_event: instance %s not found", ent.InstanceID)
		}
		inst.mu.Lock()
		if uint64(offset) <= inst.WALOffset {
			// Already reflected by a snapshot hydrated at or after this offset.
			inst.mu.Unlock()
			return nil
		}
		ctx := map[string]any{}
		if len(ent.Ctx) > 0 {
			if err := json.Unmarshal(ent.Ctx, &ctx); err != nil {
				inst.mu.Unlock()
				return err
			}
		}
		inst.State = ent.ToState
		inst.Ctx = ctx
		inst.LastEvent = ent.EventID
		inst.WALOffset = uint64(offset)
		inst.mu.Unlock()

	case wal.DeleteInstanceEntry:
		inst, ok := e.getInstanceLocked(ent.InstanceID)
		if ok {
			inst.mu.Lock()
			if uint64(offset) > inst.WALOffset {
				inst.Lifecycle = LifecycleDeleted
				inst.WALOffset = uint64(offset)
			}
			inst.mu.Unlock()
		}

	case wal.SnapshotMarkerEntry, wal.CheckpointEntry:
		// Nothing to apply: storage hydrates snapshotted instances from the
		// snapshot store before replay (see HydrateFromSnapshot), not from
		// these entries.
	}
	return nil
}

func now() int64 { return time.Now().UnixMilli() }

// --- machine registry -------------------------------------------------

// HydrateMachine registers a machine definition loaded from disk at
// startup, before the WAL is opened, so the WAL's PutMachine entries for
// it are skipped as confirmation-only during replay.
func (e *Engine) HydrateMachine(name string, version int, body json.RawMessage) error {
	def, err := ParseDefinition(name, version, body)
	if err != nil {
		return fmt.Errorf("engine: hydrate machine %s v%d: %w", name, version, err)
	}
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.machines[name] == nil {
		e.machines[name] = make(map[int]*Definition)
	}
	e.machines[name][version] = def
	if version > e.latest[name] {
		e.latest[name] = version
	}
	return nil
}

// PutMachine registers (name, version) with body, or returns the existing
// definition unchanged if one is already stored with an identical checksum.
func (e *Engine) PutMachine(name string, version int, body json.RawMessage) (*protocol.PutMachineResult, error) {
	def, err := ParseDefinition(name, version, body)
	if err != nil {
		return nil, err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	if versions, ok := e.machines[name]; ok {
		if existing, ok := versions[version]; ok {
			if existing.Checksum == def.Checksum {
				return &protocol.PutMachineResult{Machine: name, Version: version, StoredChecksum: existing.Checksum, Created: false}, nil
			}
			return nil, ErrMachineVersionExists
		}
	}
	if e.maxVersions > 0 && len(e.machines[name]) >= e.maxVersions {
		return nil, ErrMachineVersionLimit
	}

	if e.wal != nil {
		if _, _, err := e.wal.Append(wal.PutMachineEntry{
			Machine: name, Version: version, DefinitionChecksum: def.Checksum, Definition: body,
		}); err != nil {
			return nil, protocol.NewError(protocol.ErrWALIOError, err.Error())
		}
	}

	if err := e.macSnk.PersistMachine(name, version, body, def.Checksum); err != nil {
		return nil, protocol.NewError(protocol.ErrWALIOError, err.Error())
	}

	if e.machines[name] == nil {
		e.machines[name] = make(map[int]*Definition)
	}
	e.machines[name][version] = def
	if version > e.latest[name] {
		e.latest[name] = version
	}
	return &protocol.PutMachineResult{Machine: name, Version: version, StoredChecksum: def.Checksum, Created: true}, nil
}

func (e *Engine) lookupDefinition(name string, version int) (*Definition, error) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	versions, ok := e.machines[name]
	if !ok {
		return nil, ErrMachineNotFound
	}
	if version == 0 {
		version = e.latest[name]
	}
	def, ok := versions[version]
	if !ok {
		return nil, ErrMachineNotFound
	}
	return def, nil
}

func (e *Engine) GetMachine(name string, version int) (*protocol.GetMachineResult, error) {
	def, err := e.lookupDefinition(name, version)
	if err != nil {
		return nil, err
	}
	return &protocol.GetMachineResult{Definition: json.RawMessage(def.raw), Checksum: def.Checksum}, nil
}

func (e *Engine) ListMachines() *protocol.ListMachinesResult {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := make(map[string][]int, len(e.machines))
	for name, versions := range e.machines {
		list := make([]int, 0, len(versions))
		for v := range versions {
			list = append(list, v)
		}
		out[name] = list
	}
	return &protocol.ListMachinesResult{Machines: out}
}

// --- instances ----------------------------------------------------------

func (e *Engine) getInstanceLocked(id string) (*Instance, bool) {
	e.instMu.RLock()
	defer e.instMu.RUnlock()
	inst, ok := e.instances[id]
	return inst, ok
}

func (e *Engine) CreateInstance(p *protocol.CreateInstanceParams) (*protocol.CreateInstanceResult, error) {
	if p.IdempotencyKey != "" {
		if rec, ok := e.idem.Get("", p.IdempotencyKey); ok && rec.Op == string(protocol.OpCreateInstance) {
			var res protocol.CreateInstanceResult
			if err := json.Unmarshal(rec.Result, &res); err == nil {
				return &res, nil
			}
		}
	}

	def, err := e.lookupDefinition(p.Machine, p.Version)
	if err != nil {
		return nil, err
	}
	version := p.Version
	if version == 0 {
		version = def.Version
	}

	id := p.InstanceID
	if id == "" {
		id = NewInstanceID()
	}
	if _, exists := e.getInstanceLocked(id); exists {
		return nil, ErrInstanceExists
	}

	ctx := map[string]any{}
	if len(p.InitialCtx) > 0 {
		if err := json.Unmarshal(p.InitialCtx, &ctx); err != nil {
			return nil, fmt.Errorf("%w: invalid initial_ctx: %v", ErrInvalidDefinition, err)
		}
	}

	var offset wal.Offset
	if e.wal != nil {
		_, off, err := e.wal.Append(wal.CreateInstanceEntry{
			InstanceID: id, Machine: p.Machine, Version: version,
			InitialState: def.Initial, InitialCtx: p.InitialCtx, IdempotencyKey: p.IdempotencyKey,
		})
		if err != nil {
			return nil, protocol.NewError(protocol.ErrWALIOError, err.Error())
		}
		offset = off
	}

	ts := now()
	inst := &Instance{
		ID: id, Machine: p.Machine, Version: version, State: def.Initial, Ctx: ctx,
		Lifecycle: LifecycleActive, WALOffset: uint64(offset), CreatedAt: ts, UpdatedAt: ts,
	}
	e.instMu.Lock()
	e.instances[id] = inst
	e.instMu.Unlock()

	res := &protocol.CreateInstanceResult{InstanceID: id, State: def.Initial, WALOffset: uint64(offset)}
	if p.IdempotencyKey != "" {
		if raw, err := json.Marshal(res); err == nil {
			_ = e.idem.Put("", p.IdempotencyKey, IdempotencyRecord{Op: string(protocol.OpCreateInstance), InstanceID: id, Result: raw, WALOffset: uint64(offset)})
		}
	}
	return res, nil
}

func (e *Engine) GetInstance(id string) (*protocol.GetInstanceResult, error) {
	inst, ok := e.getInstanceLocked(id)
	if !ok || inst.Lifecycle == LifecycleDeleted {
		return nil, ErrInstanceNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	ctxJSON, err := json.Marshal(inst.Ctx)
	if err != nil {
		return nil, err
	}
	return &protocol.GetInstanceResult{
		Machine: inst.Machine, Version: inst.Version, State: inst.State, Ctx: ctxJSON,
		LastEventID: inst.LastEvent, LastWALOffset: inst.WALOffset,
	}, nil
}

func (e *Engine) ListInstances(p *protocol.ListInstancesParams) *protocol.ListInstancesResult {
	e.instMu.RLock()
	all := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		all = append(all, inst)
	}
	e.instMu.RUnlock()

	var matched []protocol.InstanceSummary
	for _, inst := range all {
		inst.mu.Lock()
		if inst.Lifecycle == LifecycleDeleted {
			inst.mu.Unlock()
			continue
		}
		if p.Machine != "" && inst.Machine != p.Machine {
			inst.mu.Unlock()
			continue
		}
		if p.State != "" && inst.State != p.State {
			inst.mu.Unlock()
			continue
		}
		matched = append(matched, protocol.InstanceSummary{
			ID: inst.ID, Machine: inst.Machine, Version: inst.Version, State: inst.State,
			CreatedAt: inst.CreatedAt, UpdatedAt: inst.UpdatedAt, LastWALOffset: inst.WALOffset,
		})
		inst.mu.Unlock()
	}

	total := len(matched)
	offset := p.Offset
	if offset > total {
		offset = total
	}
	end := total
	if p.Limit > 0 && offset+p.Limit < end {
		end = offset + p.Limit
	}
	page := matched[offset:end]
	return &protocol.ListInstancesResult{Instances: page, Total: total, HasMore: end < total}
}

func (e *Engine) DeleteInstance(p *protocol.DeleteInstanceParams) (*protocol.DeleteInstanceResult, error) {
	if p.IdempotencyKey != "" {
		if rec, ok := e.idem.Get(p.InstanceID, p.IdempotencyKey); ok && rec.Op == string(protocol.OpDeleteInstance) {
			var res protocol.DeleteInstanceResult
			if err := json.Unmarshal(rec.Result, &res); err == nil {
				return &res, nil
			}
		}
	}

	inst, ok := e.getInstanceLocked(p.InstanceID)
	if !ok {
		return nil, ErrInstanceNotFound
	}

	inst.mu.Lock()
	alreadyDeleted := inst.Lifecycle == LifecycleDeleted
	inst.mu.Unlock()
	if alreadyDeleted {
		return &protocol.DeleteInstanceResult{InstanceID: p.InstanceID, Deleted: true}, nil
	}

	var offset wal.Offset
	if e.wal != nil {
		_, off, err := e.wal.Append(wal.DeleteInstanceEntry{InstanceID: p.InstanceID, IdempotencyKey: p.IdempotencyKey})
		if err != nil {
			return nil, protocol.NewError(protocol.ErrWALIOError, err.Error())
		}
		offset = off
	}

	inst.mu.Lock()
	inst.Lifecycle = LifecycleDeleted
	inst.WALOffset = uint64(offset)
	inst.UpdatedAt = now()
	inst.mu.Unlock()

	e.sink.Publish(InstanceEvent{Kind: "deleted", InstanceID: p.InstanceID, Machine: inst.Machine, WALOffset: uint64(offset)})

	res := &protocol.DeleteInstanceResult{InstanceID: p.InstanceID, Deleted: true}
	if p.IdempotencyKey != "" {
		if raw, err := json.Marshal(res); err == nil {
			_ = e.idem.Put(p.InstanceID, p.IdempotencyKey, IdempotencyRecord{Op: string(protocol.OpDeleteInstance), InstanceID: p.InstanceID, Result: raw, WALOffset: uint64(offset)})
		}
	}
	return res, nil
}

// ApplyEvent implements the APPLY_EVENT algorithm: idempotency fast path,
// instance resolution, optimistic concurrency checks, ordered
// transition-bucket scan with first-passing-guard-wins, shallow ctx merge,
// WAL append, then idempotency recording and broadcast.
func (e *Engine) ApplyEvent(p *protocol.ApplyEventParams) (*protocol.ApplyEventResult, error) {
	if p.IdempotencyKey != "" {
		if rec, ok := e.idem.Get(p.InstanceID, p.IdempotencyKey); ok && rec.Op == string(protocol.OpApplyEvent) {
			var res protocol.ApplyEventResult
			if err := json.Unmarshal(rec.Result, &res); err == nil {
				res.Applied = false
				return &res, nil
			}
		}
	}

	inst, ok := e.getInstanceLocked(p.InstanceID)
	if !ok || inst.Lifecycle == LifecycleDeleted {
		return nil, ErrInstanceNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if p.ExpectedState != "" && inst.State != p.ExpectedState {
		return nil, &ConflictError{Field: "expected_state", Expected: p.ExpectedState, Actual: inst.State}
	}
	if p.ExpectedWALOffset != nil && inst.WALOffset != *p.ExpectedWALOffset {
		return nil, &ConflictError{Field: "expected_wal_offset", Expected: *p.ExpectedWALOffset, Actual: inst.WALOffset}
	}

	def, err := e.lookupDefinition(inst.Machine, inst.Version)
	if err != nil {
		return nil, err
	}

	candidates := def.transitionsFor(inst.State, p.Event)
	if len(candidates) == 0 {
		return nil, ErrInvalidTransition
	}

	var payload map[string]any
	if len(p.Payload) > 0 {
		if err := json.Unmarshal(p.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: invalid payload: %v", ErrInvalidDefinition, err)
		}
	}
	merged := shallowMerge(inst.Ctx, payload)

	var chosen *Transition
	var lastGuard string
	for _, t := range candidates {
		if t.Guard == nil {
			chosen = t
			break
		}
		lastGuard = t.GuardSource
		if t.Guard.Eval(merged) {
			chosen = t
			break
		}
	}
	if chosen == nil {
		return nil, &GuardFailedError{Guard: lastGuard, Context: merged}
	}

	ctxJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	var offset wal.Offset
	if e.wal != nil {
		_, off, err := e.wal.Append(wal.ApplyEventEntry{
			InstanceID: p.InstanceID, Event: p.Event, FromState: inst.State, ToState: chosen.To,
			Payload: p.Payload, Ctx: ctxJSON, EventID: p.EventID, IdempotencyKey: p.IdempotencyKey,
		})
		if err != nil {
			return nil, protocol.NewError(protocol.ErrWALIOError, err.Error())
		}
		offset = off
	}

	fromState := inst.State
	inst.State = chosen.To
	inst.Ctx = merged
	inst.LastEvent = p.EventID
	inst.WALOffset = uint64(offset)
	inst.UpdatedAt = now()

	e.sink.Publish(InstanceEvent{
		Kind: "applied", InstanceID: p.InstanceID, Machine: inst.Machine, Version: inst.Version,
		EventName: p.Event, FromState: fromState, ToState: chosen.To, Payload: p.Payload, Ctx: ctxJSON,
		WALOffset: uint64(offset),
	})

	res := &protocol.ApplyEventResult{FromState: fromState, ToState: chosen.To, Ctx: ctxJSON, WALOffset: uint64(offset), Applied: true, EventID: p.EventID}
	if p.IdempotencyKey != "" {
		if raw, err := json.Marshal(res); err == nil {
			_ = e.idem.Put(p.InstanceID, p.IdempotencyKey, IdempotencyRecord{Op: string(protocol.OpApplyEvent), InstanceID: p.InstanceID, Result: raw, WALOffset: uint64(offset)})
		}
	}
	return res, nil
}

// Batch runs ops in order. In atomic mode the first failure stops the
// batch, but the preceding ops' WAL entries and in-memory mutations are NOT
// undone — there is no multi-op rollback. RolledBack is therefore always
// false: reporting it as true would tell a client earlier mutations in the
// batch were reverted when they remain committed. In best_effort mode every
// op runs regardless of earlier failures.
func (e *Engine) Batch(p *protocol.BatchParams) (*protocol.BatchResult, error) {
	results := make([]protocol.BatchOpResult, 0, len(p.Ops))
	for _, op := range p.Ops {
		result, err := e.dispatchBatchOp(op)
		if err != nil {
			perr := ToProtocolError(err)
			results = append(results, protocol.BatchOpResult{
				Status: protocol.StatusError,
				Error:  &protocol.ResponseError{Code: perr.Code, Message: perr.Message, Retryable: perr.Code.IsRetryable(), Details: perr.Details},
			})
			if p.Mode == protocol.BatchAtomic {
				break
			}
			continue
		}
		results = append(results, protocol.BatchOpResult{Status: protocol.StatusOK, Result: result})
	}
	return &protocol.BatchResult{Results: results, RolledBack: false}, nil
}

func (e *Engine) dispatchBatchOp(op protocol.BatchOp) (json.RawMessage, error) {
	switch op.Op {
	case protocol.OpCreateInstance:
		var p protocol.CreateInstanceParams
		if err := json.Unmarshal(op.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		res, err := e.CreateInstance(&p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case protocol.OpApplyEvent:
		var p protocol.ApplyEventParams
		if err := json.Unmarshal(op.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		res, err := e.ApplyEvent(&p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case protocol.OpDeleteInstance:
		var p protocol.DeleteInstanceParams
		if err := json.Unmarshal(op.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		res, err := e.DeleteInstance(&p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	default:
		return nil, fmt.Errorf("%w: operation %s is not allowed inside a batch", ErrInvalidDefinition, op.Op)
	}
}
