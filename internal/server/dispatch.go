package server

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/auth"
	"github.com/rcpx/rcpx/internal/broadcast"
	"github.com/rcpx/rcpx/internal/compaction"
	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/protocol"
	"github.com/rcpx/rcpx/internal/session"
	"github.com/rcpx/rcpx/internal/storage"
	"github.com/rcpx/rcpx/internal/wal"
)

// Dispatcher routes decoded requests to the engine, storage, and broadcast
// subsystems and enforces the session state machine and auth gating
// described for C8. One Dispatcher is shared by every connection.
type Dispatcher struct {
	cfg       Config
	store     *storage.Storage
	hub       *broadcast.Hub
	compactor *compaction.Compactor
	validator *auth.Validator
	logger    zerolog.Logger
}

func NewDispatcher(cfg Config, store *storage.Storage, hub *broadcast.Hub, compactor *compaction.Compactor, validator *auth.Validator, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: store, hub: hub, compactor: compactor, validator: validator, logger: logger}
}

// watchOutcome carries a freshly created subscription back to the caller so
// it can spawn a forwarder goroutine; nil for every non-watch operation.
type watchOutcome struct {
	sub  *broadcast.Subscription
	kind session.SubscriptionKind
}

// Handle processes one request against sess's current state, returning the
// response to send, an optional new subscription to start forwarding, and
// whether the connection must close after this response is written.
func (d *Dispatcher) Handle(sess *session.Session, req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	if len(req.ID) > d.cfg.MaxRequestIDLen {
		return errResp(req.ID, protocol.ErrBadRequest, "request id exceeds max length"), nil, false
	}

	if sess.State() == session.StateConnected && req.Op != protocol.OpHello {
		return errResp(req.ID, protocol.ErrBadRequest, "HELLO must be the first request on a connection"), nil, true
	}

	if d.validator != nil && d.validator.Required() && protocol.RequiresAuth(req.Op) && !sess.IsAuthenticated() {
		return errResp(req.ID, protocol.ErrUnauthorized, "authentication required"), nil, false
	}

	sess.RecordRequest()

	switch req.Op {
	case protocol.OpHello:
		return d.handleHello(sess, req)
	case protocol.OpAuth:
		return d.handleAuth(sess, req)
	case protocol.OpPing:
		return okResp(req.ID, struct{}{}), nil, false
	case protocol.OpBye:
		sess.Close()
		return okResp(req.ID, struct{}{}), nil, true
	case protocol.OpInfo:
		return d.handleInfo(req)
	case protocol.OpPutMachine:
		return d.handlePutMachine(req)
	case protocol.OpGetMachine:
		return d.handleGetMachine(req)
	case protocol.OpListMachines:
		return okResp(req.ID, d.store.Engine.ListMachines()), nil, false
	case protocol.OpCreateInstance:
		return d.handleCreateInstance(req)
	case protocol.OpGetInstance:
		return d.handleGetInstance(req)
	case protocol.OpListInstances:
		return d.handleListInstances(req)
	case protocol.OpDeleteInstance:
		return d.handleDeleteInstance(req)
	case protocol.OpApplyEvent:
		return d.handleApplyEvent(req)
	case protocol.OpBatch:
		return d.handleBatch(req)
	case protocol.OpWatchInstance:
		return d.handleWatchInstance(req)
	case protocol.OpWatchAll:
		return d.handleWatchAll(req)
	case protocol.OpUnwatch:
		return d.handleUnwatch(sess, req)
	case protocol.OpSnapshotInstance:
		return d.handleSnapshotInstance(req)
	case protocol.OpWALRead:
		return d.handleWALRead(req)
	case protocol.OpWALStats:
		return d.handleWALStats(req)
	case protocol.OpCompact:
		return d.handleCompact(req)
	default:
		return errResp(req.ID, protocol.ErrBadRequest, "unknown operation: "+string(req.Op)), nil, false
	}
}

func okResp(id string, result any) protocol.Response {
	resp, err := protocol.OK(id, result)
	if err != nil {
		return errResp(id, protocol.ErrInternalError, err.Error())
	}
	return resp
}

func errResp(id string, code protocol.ErrorCode, msg string) protocol.Response {
	return protocol.Err(id, protocol.NewError(code, msg))
}

func toErrResp(id string, err error) protocol.Response {
	return protocol.Err(id, engine.ToProtocolError(err))
}

func (d *Dispatcher) handleHello(sess *session.Session, req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.HelloParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed hello params"), nil, true
	}
	if p.ProtocolVersion != protocol.ProtocolVersion {
		return errResp(req.ID, protocol.ErrUnsupportedProtocol, "unsupported protocol version"), nil, true
	}

	wireMode := session.WireBinaryJSON
	for _, m := range p.WireModes {
		if m == string(session.WireBinaryJSON) || m == string(session.WireJSONL) {
			wireMode = session.WireMode(m)
			break
		}
	}

	supported := make(map[string]bool, len(d.cfg.Features))
	for _, f := range d.cfg.Features {
		supported[f] = true
	}
	var features []string
	for _, f := range p.Features {
		if supported[f] {
			features = append(features, f)
		}
	}

	sess.CompleteHandshake(p.ProtocolVersion, wireMode, features)

	return okResp(req.ID, protocol.HelloResult{
		ProtocolVersion: p.ProtocolVersion,
		WireMode:        string(wireMode),
		Features:        features,
		ServerName:      d.cfg.ServerName,
		ServerVersion:   d.cfg.ServerVersion,
	}), nil, false
}

func (d *Dispatcher) handleAuth(sess *session.Session, req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.AuthParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed auth params"), nil, false
	}
	ok := d.validator != nil && d.validator.Validate(p.Method, p.Token)
	if !ok {
		return errResp(req.ID, protocol.ErrAuthFailed, "invalid credentials"), nil, false
	}
	sess.SetAuthenticated(true)
	return okResp(req.ID, protocol.AuthResult{Authenticated: true}), nil, false
}

func (d *Dispatcher) handleInfo(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	return okResp(req.ID, protocol.InfoResult{
		Name:          d.cfg.ServerName,
		Version:       d.cfg.ServerVersion,
		Features:      d.cfg.Features,
		MaxFrameBytes: protocol.MaxPayloadSize,
		MaxBatchOps:   d.cfg.MaxBatchOps,
	}), nil, false
}

func (d *Dispatcher) handlePutMachine(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.PutMachineParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed put_machine params"), nil, false
	}
	result, err := d.store.Engine.PutMachine(p.Name, p.Version, p.Definition)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleGetMachine(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.GetMachineParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed get_machine params"), nil, false
	}
	result, err := d.store.Engine.GetMachine(p.Name, p.Version)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleCreateInstance(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.CreateInstanceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed create_instance params"), nil, false
	}
	result, err := d.store.Engine.CreateInstance(&p)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleGetInstance(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.GetInstanceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed get_instance params"), nil, false
	}
	result, err := d.store.Engine.GetInstance(p.InstanceID)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleListInstances(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.ListInstancesParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed list_instances params"), nil, false
	}
	return okResp(req.ID, d.store.Engine.ListInstances(&p)), nil, false
}

func (d *Dispatcher) handleDeleteInstance(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.DeleteInstanceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed delete_instance params"), nil, false
	}
	result, err := d.store.Engine.DeleteInstance(&p)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleApplyEvent(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.ApplyEventParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed apply_event params"), nil, false
	}
	result, err := d.store.Engine.ApplyEvent(&p)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleBatch(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.BatchParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed batch params"), nil, false
	}
	if len(p.Ops) > d.cfg.MaxBatchOps {
		return errResp(req.ID, protocol.ErrBadRequest, "batch exceeds max_batch_ops"), nil, false
	}
	result, err := d.store.Engine.Batch(&p)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	return okResp(req.ID, result), nil, false
}

func (d *Dispatcher) handleWatchInstance(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.WatchInstanceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed watch_instance params"), nil, false
	}
	inst, err := d.store.Engine.GetInstance(p.InstanceID)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	includeCtx := p.IncludeCtx == nil || *p.IncludeCtx
	sub := d.hub.WatchInstance(p.InstanceID, includeCtx)

	if p.FromOffset != nil {
		if err := broadcast.ReplayFromWAL(d.store.WAL, sub, broadcast.Filter{}, wal.Offset(*p.FromOffset)); err != nil {
			d.hub.Unwatch(sub.ID)
			return toErrResp(req.ID, err), nil, false
		}
	}

	resp := okResp(req.ID, protocol.WatchInstanceResult{
		SubscriptionID:   sub.ID,
		InstanceID:       p.InstanceID,
		CurrentState:     inst.State,
		CurrentWALOffset: inst.LastWALOffset,
	})
	return resp, &watchOutcome{sub: sub, kind: session.SubscriptionInstance}, false
}

func (d *Dispatcher) handleWatchAll(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.WatchAllParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed watch_all params"), nil, false
	}
	includeCtx := p.IncludeCtx == nil || *p.IncludeCtx
	filter := broadcast.Filter{Machines: p.Machines, Events: p.Events, FromStates: p.FromStates, ToStates: p.ToStates}
	sub := d.hub.WatchAll(filter, includeCtx)

	currentOffset := uint64(d.store.WAL.LatestOffset())
	if p.FromOffset != nil {
		if err := broadcast.ReplayFromWAL(d.store.WAL, sub, filter, wal.Offset(*p.FromOffset)); err != nil {
			d.hub.Unwatch(sub.ID)
			return toErrResp(req.ID, err), nil, false
		}
	}

	resp := okResp(req.ID, protocol.WatchAllResult{SubscriptionID: sub.ID, WALOffset: currentOffset})
	return resp, &watchOutcome{sub: sub, kind: session.SubscriptionAll}, false
}

func (d *Dispatcher) handleUnwatch(sess *session.Session, req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.UnwatchParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed unwatch params"), nil, false
	}
	removed := d.hub.Unwatch(p.SubscriptionID)
	sess.RemoveSubscription(p.SubscriptionID)
	return okResp(req.ID, protocol.UnwatchResult{SubscriptionID: p.SubscriptionID, Removed: removed}), nil, false
}

func (d *Dispatcher) handleSnapshotInstance(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.SnapshotInstanceParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed snapshot_instance params"), nil, false
	}
	img, err := d.store.Engine.CaptureSnapshot(p.InstanceID)
	if err != nil {
		return toErrResp(req.ID, err), nil, false
	}
	meta, err := d.store.Snapshots.Put(img, nowMillis())
	if err != nil {
		return errResp(req.ID, protocol.ErrInternalError, err.Error()), nil, false
	}
	if _, _, err := d.store.WAL.Append(wal.SnapshotMarkerEntry{InstanceID: img.InstanceID, SnapshotID: meta.SnapshotID, State: img.State, Ctx: img.Ctx}); err != nil {
		return errResp(req.ID, protocol.ErrWALIOError, err.Error()), nil, false
	}
	return okResp(req.ID, protocol.SnapshotInstanceResult{SnapshotID: meta.SnapshotID, WALOffset: meta.WALOffset}), nil, false
}

func (d *Dispatcher) handleWALRead(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.WALReadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed wal_read params"), nil, false
	}
	records, err := d.store.WAL.ReadFrom(wal.Offset(p.FromOffset), p.Limit)
	if err != nil {
		return errResp(req.ID, protocol.ErrWALIOError, err.Error()), nil, false
	}
	views := make([]protocol.WALRecordView, 0, len(records))
	nextOffset := p.FromOffset
	for _, rec := range records {
		payload, err := json.Marshal(rec.Entry)
		if err != nil {
			return errResp(req.ID, protocol.ErrInternalError, err.Error()), nil, false
		}
		views = append(views, protocol.WALRecordView{Offset: uint64(rec.Offset), Type: rec.EntryType.String(), Payload: payload})
		nextOffset = uint64(rec.Offset) + 1
	}
	return okResp(req.ID, protocol.WALReadResult{Records: views, NextOffset: nextOffset}), nil, false
}

func (d *Dispatcher) handleWALStats(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	stats := d.store.WAL.Stats()
	return okResp(req.ID, protocol.WALStatsResult{
		EntryCount:              stats.EntryCount,
		SegmentCount:            stats.SegmentCount,
		TotalSizeBytes:          stats.TotalSizeBytes,
		LatestOffset:            stats.LatestOffset,
		BytesWritten:            stats.BytesWritten,
		BytesRead:               stats.BytesRead,
		Writes:                  stats.Writes,
		Reads:                   stats.Reads,
		Fsyncs:                  stats.Fsyncs,
		CorruptRecordsTruncated: stats.CorruptRecordsTruncated,
	}), nil, false
}

func (d *Dispatcher) handleCompact(req protocol.Request) (protocol.Response, *watchOutcome, bool) {
	var p protocol.CompactParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResp(req.ID, protocol.ErrBadRequest, "malformed compact params"), nil, false
	}
	result, err := d.compactor.Run(p.ForceSnapshot)
	if err != nil {
		return errResp(req.ID, protocol.ErrInternalError, err.Error()), nil, false
	}
	return okResp(req.ID, protocol.CompactResult{
		SnapshotsCreated: result.SnapshotsCreated,
		SegmentsDeleted:  result.SegmentsDeleted,
		BytesReclaimed:   result.BytesReclaimed,
	}), nil, false
}
