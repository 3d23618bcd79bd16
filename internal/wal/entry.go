package wal

import "encoding/json"

// EntryType is the WAL record type byte, unchanged from the reference
// implementation so on-disk traces read the same way.
type EntryType uint8

const (
	EntryPutMachine     EntryType = 1
	EntryCreateInstance EntryType = 2
	EntryApplyEvent     EntryType = 3
	EntryDeleteInstance EntryType = 4
	EntrySnapshotMarker EntryType = 5
	EntryCheckpoint     EntryType = 6
	EntryNoop           EntryType = 255
)

func (t EntryType) String() string {
	switch t {
	case EntryPutMachine:
		return "put_machine"
	case EntryCreateInstance:
		return "create_instance"
	case EntryApplyEvent:
		return "apply_event"
	case EntryDeleteInstance:
		return "delete_instance"
	case EntrySnapshotMarker:
		return "snapshot_marker"
	case EntryCheckpoint:
		return "checkpoint"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Entry is any payload appendable to the log; the record header's type byte
// is derived from EntryType(), so the payload JSON carries no redundant
// discriminator field.
type Entry interface {
	EntryType() EntryType
}

type PutMachineEntry struct {
	Machine            string          `json:"machine"`
	Version            int             `json:"version"`
	DefinitionChecksum string          `json:"definition_checksum"`
	Definition         json.RawMessage `json:"definition"`
}

func (PutMachineEntry) EntryType() EntryType { return EntryPutMachine }

type CreateInstanceEntry struct {
	InstanceID     string          `json:"instance_id"`
	Machine        string          `json:"machine"`
	Version        int             `json:"version"`
	InitialState   string          `json:"initial_state"`
	InitialCtx     json.RawMessage `json:"initial_ctx"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (CreateInstanceEntry) EntryType() EntryType { return EntryCreateInstance }

type ApplyEventEntry struct {
	InstanceID     string          `json:"instance_id"`
	Event          string          `json:"event"`
	FromState      string          `json:"from_state"`
	ToState        string          `json:"to_state"`
	Payload        json.RawMessage `json:"payload"`
	Ctx            json.RawMessage `json:"ctx"`
	EventID        string          `json:"event_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (ApplyEventEntry) EntryType() EntryType { return EntryApplyEvent }

type DeleteInstanceEntry struct {
	InstanceID     string `json:"instance_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (DeleteInstanceEntry) EntryType() EntryType { return EntryDeleteInstance }

type SnapshotMarkerEntry struct {
	InstanceID string          `json:"instance_id"`
	SnapshotID string          `json:"snapshot_id"`
	State      string          `json:"state"`
	Ctx        json.RawMessage `json:"ctx"`
}

func (SnapshotMarkerEntry) EntryType() EntryType { return EntrySnapshotMarker }

type CheckpointEntry struct {
	Timestamp int64 `json:"timestamp"`
}

func (CheckpointEntry) EntryType() EntryType { return EntryCheckpoint }

// DecodeEntry unmarshals payload according to entryType.
func DecodeEntry(entryType EntryType, payload []byte) (Entry, error) {
	switch entryType {
	case EntryPutMachine:
		var e PutMachineEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EntryCreateInstance:
		var e CreateInstanceEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EntryApplyEvent:
		var e ApplyEventEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EntryDeleteInstance:
		var e DeleteInstanceEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EntrySnapshotMarker:
		var e SnapshotMarkerEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EntryCheckpoint:
		var e CheckpointEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, ErrUnknownEntryType
	}
}
