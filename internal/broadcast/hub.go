// Package broadcast fans out committed instance events to WATCH_INSTANCE
// and WATCH_ALL subscribers, adapted from the teacher's SSE client hub:
// the same registry-plus-non-blocking-send shape, generalized from SSE
// clients to per-instance/global FSM subscriptions.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/protocol"
)

// Hub owns every live subscription and implements engine.EventSink.
type Hub struct {
	mu          sync.RWMutex
	perInstance map[string]map[string]*Subscription
	global      map[string]*Subscription
	outboxSize  int
	logger      zerolog.Logger
}

var _ engine.EventSink = (*Hub)(nil)

func NewHub(outboxSize int, logger zerolog.Logger) *Hub {
	if outboxSize <= 0 {
		outboxSize = 256
	}
	return &Hub{
		perInstance: make(map[string]map[string]*Subscription),
		global:      make(map[string]*Subscription),
		outboxSize:  outboxSize,
		logger:      logger,
	}
}

// WatchInstance registers a per-instance subscription, live immediately.
// To deliver history first, the caller passes it to ReplayFromWAL, which
// holds back live events until the replayed ones are in the outbox.
func (h *Hub) WatchInstance(instanceID string, includeCtx bool) *Subscription {
	sub := newSubscription(uuid.NewString(), instanceID, Filter{}, includeCtx, h.outboxSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perInstance[instanceID] == nil {
		h.perInstance[instanceID] = make(map[string]*Subscription)
	}
	h.perInstance[instanceID][sub.ID] = sub
	return sub
}

// WatchAll registers a global subscription matched against filter.
func (h *Hub) WatchAll(filter Filter, includeCtx bool) *Subscription {
	sub := newSubscription(uuid.NewString(), "", filter, includeCtx, h.outboxSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.global[sub.ID] = sub
	return sub
}

// Unwatch removes a subscription by ID, searching both registries since
// the caller may not know which kind it was.
func (h *Hub) Unwatch(subscriptionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.global[subscriptionID]; ok {
		delete(h.global, subscriptionID)
		return true
	}
	for instanceID, subs := range h.perInstance {
		if _, ok := subs[subscriptionID]; ok {
			delete(subs, subscriptionID)
			if len(subs) == 0 {
				delete(h.perInstance, instanceID)
			}
			return true
		}
	}
	return false
}

// UnwatchAllFor removes every subscription belonging to a session, called
// on session close.
func (h *Hub) UnwatchAllFor(subscriptionIDs []string) {
	for _, id := range subscriptionIDs {
		h.Unwatch(id)
	}
}

// Publish implements engine.EventSink: it looks up the affected instance's
// per-instance subscribers, scans global subscribers applying filters, and
// delivers to each match without blocking on a full outbox.
func (h *Hub) Publish(ev engine.InstanceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.perInstance[ev.InstanceID] {
		sub.deliverLive(toWireEvent(sub, ev))
	}
	for _, sub := range h.global {
		if sub.Filter.matches(ev) {
			sub.deliverLive(toWireEvent(sub, ev))
		}
	}
}

func toWireEvent(sub *Subscription, ev engine.InstanceEvent) protocol.Event {
	wireEv := protocol.Event{
		Type: protocol.MessageEvent, SubscriptionID: sub.ID, InstanceID: ev.InstanceID,
		Machine: ev.Machine, Version: ev.Version, EventName: ev.EventName,
		FromState: ev.FromState, ToState: ev.ToState, Payload: ev.Payload, WALOffset: ev.WALOffset,
	}
	if sub.IncludeCtx {
		wireEv.Ctx = ev.Ctx
	}
	return wireEv
}
