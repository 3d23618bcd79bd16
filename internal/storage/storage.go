// Package storage wires the WAL, snapshot store, idempotency index and
// engine together into the single durable unit a server process opens at
// startup, mirroring the reference implementation's rstmdb-storage::Storage.
package storage

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/engine"
	"github.com/rcpx/rcpx/internal/idempotency"
	"github.com/rcpx/rcpx/internal/machinestore"
	"github.com/rcpx/rcpx/internal/snapshot"
	"github.com/rcpx/rcpx/internal/wal"
)

// Config configures where each subsystem keeps its files on disk and how
// durably the WAL should behave.
type Config struct {
	DataDir              string
	SegmentSize          uint64
	Fsync                wal.FsyncPolicy
	MaxMachineVersions   int
	IdempotencyRetention time.Duration
	Logger               zerolog.Logger
}

// Storage is the opened, replayed durable state of a single node.
type Storage struct {
	Engine      *engine.Engine
	WAL         *wal.Wal
	Snapshots   *snapshot.Store
	Idempotency *idempotency.Index
	Machines    *machinestore.Store

	stopSweep func()
}

func (c Config) walDir() string          { return filepath.Join(c.DataDir, "wal") }
func (c Config) snapshotDir() string     { return filepath.Join(c.DataDir, "snapshots") }
func (c Config) idempotencyFile() string { return filepath.Join(c.DataDir, "idempotency.json") }
func (c Config) machinesDir() string     { return filepath.Join(c.DataDir, "machines") }

// Open loads every subsystem and replays the WAL into the engine, bounded
// by whatever snapshots are already on disk: any instance with a snapshot
// is hydrated directly from it, and Replay's per-instance offset guard
// then skips re-applying entries a snapshot already reflects.
func Open(cfg Config, sink engine.EventSink) (*Storage, error) {
	snaps, err := snapshot.Open(cfg.snapshotDir(), cfg.Logger)
	if err != nil {
		return nil, err
	}
	idx, err := idempotency.Open(cfg.idempotencyFile(), cfg.IdempotencyRetention, cfg.Logger)
	if err != nil {
		return nil, err
	}
	machines, err := machinestore.Open(cfg.machinesDir(), cfg.Logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(cfg.Logger,
		engine.WithIdempotencyStore(idx),
		engine.WithEventSink(sink),
		engine.WithMaxMachineVersions(cfg.MaxMachineVersions),
		engine.WithMachineSink(machines),
	)

	stored, err := machines.List()
	if err != nil {
		return nil, err
	}
	for _, m := range stored {
		if err := eng.HydrateMachine(m.Name, m.Version, m.Definition); err != nil {
			return nil, err
		}
	}

	for _, instanceID := range snaps.InstanceIDs() {
		meta, _ := snaps.LatestFor(instanceID)
		img, err := snaps.Load(meta)
		if err != nil {
			return nil, err
		}
		eng.HydrateFromSnapshot(img)
	}

	w, err := wal.Open(wal.Config{
		Dir: cfg.walDir(), SegmentSize: cfg.SegmentSize, Fsync: cfg.Fsync, Logger: cfg.Logger,
	}, eng.Replay)
	if err != nil {
		return nil, err
	}
	eng.AttachWAL(w)

	stop := idx.StartSweeper(idempotency.DefaultSweepInterval)

	return &Storage{Engine: eng, WAL: w, Snapshots: snaps, Idempotency: idx, Machines: machines, stopSweep: stop}, nil
}

// Close releases the WAL and stops the idempotency sweeper.
func (s *Storage) Close() error {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	return s.WAL.Close()
}
