// Package compaction drives the snapshot-then-reclaim cycle: snapshot
// every instance that needs it, compute the offset below which no live
// instance still depends on the log, and delete whole segments below it.
package compaction

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/snapshot"
	"github.com/rcpx/rcpx/internal/wal"
)

// Config tunes the automatic trigger. A run also always fires on an
// explicit COMPACT request regardless of these thresholds.
type Config struct {
	EventsThreshold uint64
	SizeThreshold   uint64
	MinInterval     time.Duration
}

// Result mirrors COMPACT's wire response.
type Result struct {
	SnapshotsCreated int
	SegmentsDeleted  int
	BytesReclaimed   int64
}

// Compactor coalesces concurrent triggers onto a single in-flight run,
// using a capacity-1 channel the way the reference implementation uses a
// single-slot tokio::sync::Notify.
type Compactor struct {
	eng    *engine.Engine
	w      *wal.Wal
	snaps  *snapshot.Store
	cfg    Config
	logger zerolog.Logger

	trigger    chan struct{}
	runMu      chan struct{} // 1-buffered mutex: held while a run is in flight
	lastRun    time.Time
	entriesAtLastRun uint64
}

// New constructs a Compactor. Start must be called to enable the
// background automatic-trigger loop; Run can be called directly for a
// synchronous COMPACT request regardless of whether Start was called.
func New(eng *engine.Engine, w *wal.Wal, snaps *snapshot.Store, cfg Config, logger zerolog.Logger) *Compactor {
	return &Compactor{
		eng: eng, w: w, snaps: snaps, cfg: cfg, logger: logger,
		trigger: make(chan struct{}, 1),
		runMu:   make(chan struct{}, 1),
	}
}

// Trigger requests a run without blocking; if one is already pending, this
// is a no-op (the pending run will see current state). A trigger that
// arrives while a run is in flight queues one more run after it.
func (c *Compactor) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run performs one compaction pass synchronously, coalescing with any
// concurrently in-flight run: if another caller is already running, this
// call waits for the slot and then performs its own pass (ensuring a
// caller blocked on Run always observes a pass that starts no earlier
// than their call, not a stale result from before it).
func (c *Compactor) Run(forceSnapshot bool) (Result, error) {
	c.runMu <- struct{}{}
	defer func() { <-c.runMu }()
	return c.runLocked(forceSnapshot)
}

func (c *Compactor) runLocked(forceSnapshot bool) (Result, error) {
	var res Result
	ts := time.Now().UnixMilli()

	var toSnapshot []string
	if forceSnapshot {
		toSnapshot = c.eng.LiveInstanceIDs()
	} else {
		for _, id := range c.eng.LiveInstanceIDs() {
			img, err := c.eng.CaptureSnapshot(id)
			if err != nil {
				continue
			}
			meta, hasSnap := c.snaps.LatestFor(id)
			if !hasSnap || img.WALOffset > meta.WALOffset {
				toSnapshot = append(toSnapshot, id)
			}
		}
	}

	for _, id := range toSnapshot {
		img, err := c.eng.CaptureSnapshot(id)
		if err != nil {
			continue
		}
		meta, err := c.snaps.Put(img, ts)
		if err != nil {
			return res, err
		}
		if _, _, err := c.w.Append(wal.SnapshotMarkerEntry{
			InstanceID: img.InstanceID, SnapshotID: meta.SnapshotID, State: img.State, Ctx: img.Ctx,
		}); err != nil {
			return res, err
		}
		res.SnapshotsCreated++
	}

	safeOffset := c.safeOffset()
	deleted, bytes, err := c.w.CompactBefore(safeOffset)
	if err != nil {
		return res, err
	}
	res.SegmentsDeleted = deleted
	res.BytesReclaimed = bytes

	c.lastRun = time.Now()
	c.entriesAtLastRun = c.w.Stats().EntryCount
	return res, nil
}

// safeOffset is the minimum of: every live instance's own WAL offset (an
// instance not yet snapshotted still pins the log back to its last
// mutation) and every live snapshot's WAL offset. Whichever is lower wins,
// since an instance whose latest mutation predates its snapshot (it was
// never dirtied again) is still safe only as far back as that offset.
func (c *Compactor) safeOffset() wal.Offset {
	const empty = ^uint64(0) // matches snapshot.Store.MinWALOffset's sentinel

	min := empty
	if liveMin, found := c.eng.MinLiveWALOffset(); found && liveMin < min {
		min = liveMin
	}
	if snapMin := c.snaps.MinWALOffset(); snapMin < min {
		min = snapMin
	}
	if min == empty {
		// No live instances and no snapshots: nothing pins the log, so
		// everything up to the current tail is reclaimable.
		return c.w.LatestOffset()
	}
	return wal.Offset(min)
}

// ShouldAutoRun reports whether the automatic thresholds in Config are
// currently met.
func (c *Compactor) ShouldAutoRun() bool {
	if !c.lastRun.IsZero() && time.Since(c.lastRun) < c.cfg.MinInterval {
		return false
	}
	stats := c.w.Stats()
	if c.cfg.EventsThreshold > 0 && stats.EntryCount-c.entriesAtLastRun >= c.cfg.EventsThreshold {
		return true
	}
	if c.cfg.SizeThreshold > 0 && stats.TotalSizeBytes >= c.cfg.SizeThreshold {
		return true
	}
	return false
}

// Start launches the background loop that checks ShouldAutoRun on every
// Trigger and on a periodic tick, running a pass when due. It returns a
// stop function.
func (c *Compactor) Start(tick time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.ShouldAutoRun() {
					if _, err := c.Run(false); err != nil {
						c.logger.Warn().Err(err).Msg("automatic compaction run failed")
					}
				}
			case <-c.trigger:
				if _, err := c.Run(false); err != nil {
					c.logger.Warn().Err(err).Msg("triggered compaction run failed")
				}
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
