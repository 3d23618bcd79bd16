package broadcast

import (
	"github.com/rcpx/rcpx/internal/protocol"
	"github.com/rcpx/rcpx/internal/wal"
)

// ReplayFromWAL drains WAL entries [from, current tail] matching filter
// into sub's outbox before enabling live delivery, so a WATCH_* with
// from_offset sees a gapless, offset-ordered stream. Only ApplyEvent
// entries are replayed; other entry kinds carry no wire event shape.
func ReplayFromWAL(w *wal.Wal, sub *Subscription, filter Filter, from wal.Offset) error {
	sub.beginReplay()
	defer sub.endReplay()

	records, err := w.ReadFrom(from, 0)
	if err != nil {
		return err
	}
	for _, rec := range records {
		applyEv, ok := rec.Entry.(wal.ApplyEventEntry)
		if !ok {
			continue
		}
		if sub.InstanceID != "" {
			if applyEv.InstanceID != sub.InstanceID {
				continue
			}
		} else if !matchesApplyEntry(filter, applyEv) {
			continue
		}
		wireEv := protocol.Event{
			Type: protocol.MessageEvent, SubscriptionID: sub.ID, InstanceID: applyEv.InstanceID,
			EventName: applyEv.Event, FromState: applyEv.FromState, ToState: applyEv.ToState,
			Payload: applyEv.Payload, WALOffset: uint64(rec.Offset),
		}
		if sub.IncludeCtx {
			wireEv.Ctx = applyEv.Ctx
		}
		sub.deliverReplay(wireEv)
	}
	return nil
}

// matchesApplyEntry applies the from_states/to_states/events categories
// directly against a logged entry. ApplyEventEntry carries no machine
// name, so the machines category is not checkable during replay and is
// treated as already satisfied; it still narrows live delivery normally.
func matchesApplyEntry(f Filter, ev wal.ApplyEventEntry) bool {
	return matchesAny(f.Events, ev.Event) && matchesAny(f.FromStates, ev.FromState) && matchesAny(f.ToStates, ev.ToState)
}
