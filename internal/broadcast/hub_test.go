package broadcast

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/protocol"
)

func TestWatchInstanceReceivesOnlyItsOwnEvents(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.WatchInstance("inst-1", true)

	h.Publish(engine.InstanceEvent{Kind: "applied", InstanceID: "inst-2", EventName: "x"})
	h.Publish(engine.InstanceEvent{Kind: "applied", InstanceID: "inst-1", EventName: "start", ToState: "running"})

	select {
	case ev := <-sub.Outbox():
		assert.Equal(t, "inst-1", ev.InstanceID)
		assert.Equal(t, "running", ev.ToState)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	select {
	case ev := <-sub.Outbox():
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestWatchAllFilterANDAcrossCategoriesORWithin(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.WatchAll(Filter{Machines: []string{"order", "invoice"}, Events: []string{"ship"}}, false)

	h.Publish(engine.InstanceEvent{InstanceID: "i1", Machine: "order", EventName: "cancel"})
	h.Publish(engine.InstanceEvent{InstanceID: "i2", Machine: "widget", EventName: "ship"})
	h.Publish(engine.InstanceEvent{InstanceID: "i3", Machine: "invoice", EventName: "ship"})

	select {
	case ev := <-sub.Outbox():
		assert.Equal(t, "i3", ev.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("expected the matching event")
	}
	select {
	case ev := <-sub.Outbox():
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestFullOutboxDropsOnlyForThatSubscription(t *testing.T) {
	h := NewHub(1, zerolog.Nop())
	sub := h.WatchInstance("inst-1", false)

	h.Publish(engine.InstanceEvent{InstanceID: "inst-1", EventName: "a"})
	h.Publish(engine.InstanceEvent{InstanceID: "inst-1", EventName: "b"}) // dropped: outbox full

	ev := <-sub.Outbox()
	assert.Equal(t, "a", ev.EventName)
	select {
	case <-sub.Outbox():
		t.Fatal("second event should have been dropped, not queued")
	default:
	}
}

func TestUnwatchRemovesSubscription(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.WatchInstance("inst-1", false)
	require.True(t, h.Unwatch(sub.ID))
	assert.False(t, h.Unwatch(sub.ID))

	h.Publish(engine.InstanceEvent{InstanceID: "inst-1", EventName: "a"})
	select {
	case <-sub.Outbox():
		t.Fatal("unwatched subscription must not receive further events")
	default:
	}
}

func TestLiveEventsBufferDuringReplayAndFlushInOrder(t *testing.T) {
	h := NewHub(8, zerolog.Nop())
	sub := h.WatchInstance("inst-1", false)

	sub.beginReplay()
	h.Publish(engine.InstanceEvent{InstanceID: "inst-1", EventName: "live-1"})
	sub.deliverReplay(protocol.Event{Type: protocol.MessageEvent, InstanceID: "inst-1", EventName: "historical"})
	sub.endReplay()

	first := <-sub.Outbox()
	assert.Equal(t, "historical", first.EventName)
	second := <-sub.Outbox()
	assert.Equal(t, "live-1", second.EventName)
}
