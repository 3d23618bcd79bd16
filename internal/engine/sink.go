package engine

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_sink.go -package=mocks . EventSink

import "encoding/json"

// InstanceEvent is what APPLY_EVENT and DELETE_INSTANCE publish to an
// EventSink after a successful WAL append. internal/broadcast implements
// EventSink and fans this out to matching WATCH_INSTANCE/WATCH_ALL
// subscribers; the engine itself has no notion of subscriptions.
type InstanceEvent struct {
	Kind       string // "applied" or "deleted"
	InstanceID string
	Machine    string
	Version    int
	EventName  string
	FromState  string
	ToState    string
	Payload    json.RawMessage
	Ctx        json.RawMessage
	WALOffset  uint64
}

// EventSink receives instance events as they are committed.
type EventSink interface {
	Publish(ev InstanceEvent)
}

type noopEventSink struct{}

func (noopEventSink) Publish(InstanceEvent) {}
