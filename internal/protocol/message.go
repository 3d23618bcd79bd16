package protocol

import "encoding/json"

// Operation names the 21 request operations named in the specification.
type Operation string

const (
	OpHello  Operation = "HELLO"
	OpAuth   Operation = "AUTH"
	OpPing   Operation = "PING"
	OpBye    Operation = "BYE"
	OpInfo   Operation = "INFO"

	OpPutMachine   Operation = "PUT_MACHINE"
	OpGetMachine   Operation = "GET_MACHINE"
	OpListMachines Operation = "LIST_MACHINES"

	OpCreateInstance Operation = "CREATE_INSTANCE"
	OpGetInstance    Operation = "GET_INSTANCE"
	OpListInstances  Operation = "LIST_INSTANCES"
	OpDeleteInstance Operation = "DELETE_INSTANCE"

	OpApplyEvent Operation = "APPLY_EVENT"
	OpBatch      Operation = "BATCH"

	OpWatchInstance Operation = "WATCH_INSTANCE"
	OpWatchAll      Operation = "WATCH_ALL"
	OpUnwatch       Operation = "UNWATCH"

	OpSnapshotInstance Operation = "SNAPSHOT_INSTANCE"
	OpWALRead          Operation = "WAL_READ"
	OpWALStats         Operation = "WAL_STATS"
	OpCompact          Operation = "COMPACT"
)

// exemptFromAuth is the set of operations a session may call before AUTH.
var exemptFromAuth = map[Operation]bool{
	OpHello: true,
	OpAuth:  true,
	OpPing:  true,
	OpBye:   true,
}

// RequiresAuth reports whether op needs a prior successful AUTH when the
// server has auth.required set.
func RequiresAuth(op Operation) bool {
	return !exemptFromAuth[op]
}

// MessageType discriminates the three wire message kinds.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageEvent    MessageType = "event"
)

// Request is a client-issued call. ID must be unique per connection and at
// most 256 bytes.
type Request struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Op     Operation       `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a Request with Type populated.
func NewRequest(id string, op Operation, params json.RawMessage) Request {
	return Request{Type: MessageRequest, ID: id, Op: op, Params: params}
}

// ResponseStatus discriminates a successful from a failed response.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ResponseError is the wire shape of a protocol.Error.
type ResponseError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Details   any       `json:"details,omitempty"`
}

// Response answers a Request by the same ID.
type Response struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Status ResponseStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// OK builds a successful Response wrapping result.
func OK(id string, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{Type: MessageResponse, ID: id, Status: StatusOK, Result: raw}, nil
}

// Err builds a failed Response from a protocol.Error.
func Err(id string, err *Error) Response {
	return Response{
		Type:   MessageResponse,
		ID:     id,
		Status: StatusError,
		Error: &ResponseError{
			Code:      err.Code,
			Message:   err.Message,
			Retryable: err.Code.IsRetryable(),
			Details:   err.Details,
		},
	}
}

// Event is a push notification delivered to a subscription's outbox.
type Event struct {
	Type           MessageType     `json:"type"`
	SubscriptionID string          `json:"subscription_id"`
	InstanceID     string          `json:"instance_id"`
	Machine        string          `json:"machine"`
	Version        int             `json:"version"`
	EventName      string          `json:"event"`
	FromState      string          `json:"from_state"`
	ToState        string          `json:"to_state"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Ctx            json.RawMessage `json:"ctx,omitempty"`
	WALOffset      uint64          `json:"wal_offset"`
}

// --- Operation parameter / result payloads ---

type HelloParams struct {
	ProtocolVersion uint16   `json:"protocol_version"`
	WireModes       []string `json:"wire_modes,omitempty"`
	Features        []string `json:"features,omitempty"`
}

type HelloResult struct {
	ProtocolVersion uint16   `json:"protocol_version"`
	WireMode        string   `json:"wire_mode"`
	Features        []string `json:"features"`
	ServerName      string   `json:"server_name"`
	ServerVersion   string   `json:"server_version"`
}

type AuthParams struct {
	Method string `json:"method"`
	Token  string `json:"token"`
}

type AuthResult struct {
	Authenticated bool `json:"authenticated"`
}

type InfoResult struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Features      []string `json:"features"`
	MaxFrameBytes int      `json:"max_frame_bytes"`
	MaxBatchOps   int      `json:"max_batch_ops"`
}

type PutMachineParams struct {
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
}

type PutMachineResult struct {
	Machine         string `json:"machine"`
	Version         int    `json:"version"`
	StoredChecksum  string `json:"stored_checksum"`
	Created         bool   `json:"created"`
}

type GetMachineParams struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

type GetMachineResult struct {
	Definition json.RawMessage `json:"definition"`
	Checksum   string          `json:"checksum"`
}

type ListMachinesResult struct {
	Machines map[string][]int `json:"machines"`
}

type CreateInstanceParams struct {
	InstanceID      string          `json:"instance_id,omitempty"`
	Machine         string          `json:"machine"`
	Version         int             `json:"version"`
	InitialCtx      json.RawMessage `json:"initial_ctx,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

type CreateInstanceResult struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	WALOffset  uint64 `json:"wal_offset"`
}

type GetInstanceParams struct {
	InstanceID string `json:"instance_id"`
}

type GetInstanceResult struct {
	Machine       string          `json:"machine"`
	Version       int             `json:"version"`
	State         string          `json:"state"`
	Ctx           json.RawMessage `json:"ctx"`
	LastEventID   string          `json:"last_event_id,omitempty"`
	LastWALOffset uint64          `json:"last_wal_offset"`
}

type ListInstancesParams struct {
	Machine string `json:"machine,omitempty"`
	State   string `json:"state,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

type InstanceSummary struct {
	ID            string `json:"id"`
	Machine       string `json:"machine"`
	Version       int    `json:"version"`
	State         string `json:"state"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	LastWALOffset uint64 `json:"last_wal_offset"`
}

type ListInstancesResult struct {
	Instances []InstanceSummary `json:"instances"`
	Total     int               `json:"total"`
	HasMore   bool              `json:"has_more"`
}

type DeleteInstanceParams struct {
	InstanceID     string `json:"instance_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type DeleteInstanceResult struct {
	InstanceID string `json:"instance_id"`
	Deleted    bool   `json:"deleted"`
}

type ApplyEventParams struct {
	InstanceID         string          `json:"instance_id"`
	Event              string          `json:"event"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ExpectedState      string          `json:"expected_state,omitempty"`
	ExpectedWALOffset  *uint64         `json:"expected_wal_offset,omitempty"`
	EventID            string          `json:"event_id,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
}

type ApplyEventResult struct {
	FromState string          `json:"from_state"`
	ToState   string          `json:"to_state"`
	Ctx       json.RawMessage `json:"ctx,omitempty"`
	WALOffset uint64          `json:"wal_offset"`
	Applied   bool            `json:"applied"`
	EventID   string          `json:"event_id,omitempty"`
}

type BatchMode string

const (
	BatchAtomic     BatchMode = "atomic"
	BatchBestEffort BatchMode = "best_effort"
)

type BatchOp struct {
	Op     Operation       `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

type BatchParams struct {
	Mode BatchMode `json:"mode"`
	Ops  []BatchOp `json:"ops"`
}

type BatchOpResult struct {
	Status ResponseStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

type BatchResult struct {
	Results     []BatchOpResult `json:"results"`
	RolledBack  bool            `json:"rolled_back"`
}

type WatchInstanceParams struct {
	InstanceID string  `json:"instance_id"`
	IncludeCtx *bool   `json:"include_ctx,omitempty"`
	FromOffset *uint64 `json:"from_offset,omitempty"`
}

type WatchInstanceResult struct {
	SubscriptionID   string `json:"subscription_id"`
	InstanceID       string `json:"instance_id"`
	CurrentState     string `json:"current_state"`
	CurrentWALOffset uint64 `json:"current_wal_offset"`
}

type WatchAllParams struct {
	IncludeCtx *bool    `json:"include_ctx,omitempty"`
	FromOffset *uint64  `json:"from_offset,omitempty"`
	Machines   []string `json:"machines,omitempty"`
	FromStates []string `json:"from_states,omitempty"`
	ToStates   []string `json:"to_states,omitempty"`
	Events     []string `json:"events,omitempty"`
}

type WatchAllResult struct {
	SubscriptionID string `json:"subscription_id"`
	WALOffset      uint64 `json:"wal_offset"`
}

type UnwatchParams struct {
	SubscriptionID string `json:"subscription_id"`
}

type UnwatchResult struct {
	SubscriptionID string `json:"subscription_id"`
	Removed        bool   `json:"removed"`
}

type SnapshotInstanceParams struct {
	InstanceID string `json:"instance_id"`
}

type SnapshotInstanceResult struct {
	SnapshotID string `json:"snapshot_id"`
	WALOffset  uint64 `json:"wal_offset"`
}

type WALReadParams struct {
	FromOffset uint64 `json:"from_offset"`
	Limit      int    `json:"limit,omitempty"`
}

type WALRecordView struct {
	Offset  uint64          `json:"offset"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type WALReadResult struct {
	Records []WALRecordView `json:"records"`
	NextOffset uint64       `json:"next_offset"`
}

type WALStatsResult struct {
	EntryCount               uint64 `json:"entry_count"`
	SegmentCount             int    `json:"segment_count"`
	TotalSizeBytes           uint64 `json:"total_size_bytes"`
	LatestOffset             uint64 `json:"latest_offset"`
	BytesWritten             uint64 `json:"bytes_written"`
	BytesRead                uint64 `json:"bytes_read"`
	Writes                   uint64 `json:"writes"`
	Reads                    uint64 `json:"reads"`
	Fsyncs                   uint64 `json:"fsyncs"`
	CorruptRecordsTruncated  uint64 `json:"corrupt_records_truncated"`
}

type CompactParams struct {
	ForceSnapshot bool `json:"force_snapshot,omitempty"`
}

type CompactResult struct {
	SnapshotsCreated int   `json:"snapshots_created"`
	SegmentsDeleted  int   `json:"segments_deleted"`
	BytesReclaimed   int64 `json:"bytes_reclaimed"`
}
