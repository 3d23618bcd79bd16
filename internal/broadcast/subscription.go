package broadcast

import (
	"sync"

	"github.com/rcpx/rcpx/internal/protocol"
)

// Subscription is one WATCH_INSTANCE or WATCH_ALL registration. Its outbox
// is a bounded channel; a full outbox drops the event for this
// subscription only (trySend below), never blocks the publisher.
type Subscription struct {
	ID         string
	InstanceID string // "" for a global (WATCH_ALL) subscription
	Filter     Filter
	IncludeCtx bool

	outbox chan protocol.Event

	mu        sync.Mutex
	replaying bool
	pending   []protocol.Event
}

func newSubscription(id, instanceID string, filter Filter, includeCtx bool, outboxSize int) *Subscription {
	return &Subscription{
		ID: id, InstanceID: instanceID, Filter: filter, IncludeCtx: includeCtx,
		outbox: make(chan protocol.Event, outboxSize),
	}
}

// Outbox is the channel a session's writer goroutine drains.
func (s *Subscription) Outbox() <-chan protocol.Event { return s.outbox }

// beginReplay switches the subscription into buffering mode: live events
// published while replay is in flight are held in pending instead of the
// outbox, so a concurrent Publish can never interleave ahead of history
// the caller hasn't pushed yet.
func (s *Subscription) beginReplay() {
	s.mu.Lock()
	s.replaying = true
	s.mu.Unlock()
}

// deliverReplay pushes one historical record directly to the outbox; the
// caller (the session handling WATCH_*'s from_offset) calls this once per
// WAL record in offset order before calling endReplay.
func (s *Subscription) deliverReplay(ev protocol.Event) {
	trySend(s.outbox, ev)
}

// endReplay flushes anything buffered while replaying and switches the
// subscription to deliver straight to the outbox from then on.
func (s *Subscription) endReplay() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.replaying = false
	s.mu.Unlock()
	for _, ev := range pending {
		trySend(s.outbox, ev)
	}
}

// deliverLive is called by the hub for a freshly-committed event.
func (s *Subscription) deliverLive(ev protocol.Event) {
	s.mu.Lock()
	if s.replaying {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	trySend(s.outbox, ev)
}

// trySend is the non-blocking channel-send idiom this package adapts from
// the notification hub's client dispatch: a full channel drops the send
// rather than blocking the publisher.
func trySend(ch chan protocol.Event, ev protocol.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
