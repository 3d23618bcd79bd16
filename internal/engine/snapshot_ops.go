package engine

import (
	"encoding/json"

	"github.com/rcpx/rcpx/internal/snapshot"
)

// CaptureSnapshot renders an instance's current state as a snapshot.Image,
// for SNAPSHOT_INSTANCE and for compaction's periodic snapshot sweep.
func (e *Engine) CaptureSnapshot(instanceID string) (snapshot.Image, error) {
	inst, ok := e.getInstanceLocked(instanceID)
	if !ok || inst.Lifecycle == LifecycleDeleted {
		return snapshot.Image{}, ErrInstanceNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	ctxJSON, err := json.Marshal(inst.Ctx)
	if err != nil {
		return snapshot.Image{}, err
	}
	return snapshot.Image{
		InstanceID: inst.ID, Machine: inst.Machine, Version: inst.Version,
		State: inst.State, Ctx: ctxJSON, WALOffset: inst.WALOffset,
	}, nil
}

// LiveInstanceIDs returns the IDs of every non-deleted instance, used by
// compaction to decide which instances still need a fresh snapshot before
// their backing segments can be reclaimed.
func (e *Engine) LiveInstanceIDs() []string {
	e.instMu.RLock()
	defer e.instMu.RUnlock()
	ids := make([]string, 0, len(e.instances))
	for id, inst := range e.instances {
		inst.mu.Lock()
		live := inst.Lifecycle != LifecycleDeleted
		inst.mu.Unlock()
		if live {
			ids = append(ids, id)
		}
	}
	return ids
}

// MinLiveWALOffset returns the lowest WALOffset among all live instances —
// compaction can never reclaim a segment at or above this without first
// snapshotting that instance.
func (e *Engine) MinLiveWALOffset() (uint64, bool) {
	e.instMu.RLock()
	defer e.instMu.RUnlock()
	var min uint64
	found := false
	for _, inst := range e.instances {
		inst.mu.Lock()
		if inst.Lifecycle != LifecycleDeleted {
			if !found || inst.WALOffset < min {
				min = inst.WALOffset
				found = true
			}
		}
		inst.mu.Unlock()
	}
	return min, found
}
