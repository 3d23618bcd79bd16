package engine

import (
	"encoding/json"

	"github.com/rcpx/rcpx/internal/snapshot"
)

// HydrateFromSnapshot seeds an instance directly from a previously captured
// image, bypassing the WAL. Storage calls this for every instance with a
// recorded snapshot before opening the WAL, so Replay only needs to apply
// entries after the snapshot's offset (see Replay's per-instance
// offset guard) instead of replaying an instance's entire history.
func (e *Engine) HydrateFromSnapshot(img snapshot.Image) {
	ctx := map[string]any{}
	if len(img.Ctx) > 0 {
		_ = json.Unmarshal(img.Ctx, &ctx)
	}
	inst := &Instance{
		ID: img.InstanceID, Machine: img.Machine, Version: img.Version, State: img.State,
		Ctx: ctx, Lifecycle: LifecycleActive, WALOffset: img.WALOffset,
	}
	e.instMu.Lock()
	e.instances[img.InstanceID] = inst
	e.instMu.Unlock()
}
