package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FsyncKind selects a durability policy for WAL appends.
type FsyncKind int

const (
	FsyncEveryWrite FsyncKind = iota
	FsyncEveryN
	FsyncEveryMs
	FsyncNever
)

// FsyncPolicy configures when appended records are flushed to stable
// storage. EveryWrite (the default) fsyncs before every append returns.
type FsyncPolicy struct {
	Kind     FsyncKind
	N        uint32
	Interval time.Duration
}

func EveryWrite() FsyncPolicy { return FsyncPolicy{Kind: FsyncEveryWrite} }
func EveryN(n uint32) FsyncPolicy { return FsyncPolicy{Kind: FsyncEveryN, N: n} }
func EveryMs(d time.Duration) FsyncPolicy { return FsyncPolicy{Kind: FsyncEveryMs, Interval: d} }
func Never() FsyncPolicy { return FsyncPolicy{Kind: FsyncNever} }

const DefaultSegmentSize uint64 = 64 * 1024 * 1024

// Config configures an opened WAL.
type Config struct {
	Dir         string
	SegmentSize uint64
	Fsync       FsyncPolicy
	Logger      zerolog.Logger
}

// Stats mirrors WAL_STATS.
type Stats struct {
	EntryCount              uint64
	SegmentCount            int
	TotalSizeBytes          uint64
	LatestOffset            uint64
	BytesWritten            uint64
	BytesRead               uint64
	Writes                  uint64
	Reads                   uint64
	Fsyncs                  uint64
	CorruptRecordsTruncated uint64
}

// ReplayFunc is invoked once per record found during recovery, in strict
// offset order, so the engine can rebuild in-memory state.
type ReplayFunc func(sequence uint64, offset Offset, entryType EntryType, entry Entry) error

// Wal is a segmented, single-writer, multi-reader append log.
type Wal struct {
	dir         string
	segmentSize uint64
	fsync       FsyncPolicy
	logger      zerolog.Logger

	writeMu sync.Mutex
	segs    map[uint64]*segment
	segIDs  []uint64
	active  *segment
	nextSeq uint64

	closed int32

	stats      Stats
	statsMu    sync.Mutex
	writesSinceSync uint32

	stopMsSync chan struct{}
	msSyncDone chan struct{}
}

// Open opens (creating if absent) the WAL under cfg.Dir, replaying any
// existing records through replay in order before returning.
func Open(cfg Config, replay ReplayFunc) (*Wal, error) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	w := &Wal{
		dir:         cfg.Dir,
		segmentSize: cfg.SegmentSize,
		fsync:       cfg.Fsync,
		logger:      cfg.Logger,
		segs:        make(map[uint64]*segment),
	}

	ids, err := listSegmentIDs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids = []uint64{0}
	}
	for _, id := range ids {
		seg, err := openSegment(cfg.Dir, id)
		if err != nil {
			return nil, err
		}
		w.segs[id] = seg
		w.segIDs = append(w.segIDs, id)
	}
	w.active = w.segs[w.segIDs[len(w.segIDs)-1]]

	if err := w.recover(replay); err != nil {
		return nil, err
	}

	if cfg.Fsync.Kind == FsyncEveryMs {
		w.stopMsSync = make(chan struct{})
		w.msSyncDone = make(chan struct{})
		go w.msSyncLoop(cfg.Fsync.Interval)
	}

	return w, nil
}

func (w *Wal) recover(replay ReplayFunc) error {
	var maxSeq uint64
	var seen bool
	for i, id := range w.segIDs {
		seg := w.segs[id]
		isLast := i == len(w.segIDs)-1
		records, offsets, validBytes, err := seg.readAll()
		if err != nil {
			if !isLast {
				return fmt.Errorf("wal: corruption in non-tail segment %d: %w", id, err)
			}
			w.logger.Warn().Uint64("segment", id).Int64("valid_bytes", validBytes).Msg("truncating corrupt wal tail")
			w.statsMu.Lock()
			w.stats.CorruptRecordsTruncated++
			w.statsMu.Unlock()
			if err := seg.truncate(validBytes); err != nil {
				return err
			}
		} else if isLast && int64(seg.size) != validBytes {
			if err := seg.truncate(validBytes); err != nil {
				return err
			}
		}
		for i, rec := range records {
			globalOffset := NewOffset(id, offsets[i])
			if rec.Sequence > maxSeq {
				maxSeq = rec.Sequence
			}
			seen = true
			w.statsMu.Lock()
			w.stats.EntryCount++
			w.statsMu.Unlock()
			if replay != nil {
				entry, err := DecodeEntry(rec.EntryType, rec.Payload)
				if err != nil {
					return err
				}
				if err := replay(rec.Sequence, globalOffset, rec.EntryType, entry); err != nil {
					return err
				}
			}
		}
	}
	if seen {
		w.nextSeq = maxSeq + 1
	}
	return nil
}

func (w *Wal) msSyncLoop(interval time.Duration) {
	defer close(w.msSyncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			if w.writesSinceSync > 0 {
				_ = w.active.sync()
				w.writesSinceSync = 0
				w.statsMu.Lock()
				w.stats.Fsyncs++
				w.statsMu.Unlock()
			}
			w.writeMu.Unlock()
		case <-w.stopMsSync:
			return
		}
	}
}

// Append serializes and writes entry, returning its sequence number and
// global offset. The in-memory transition this backs must not be applied
// unless Append returns without error.
func (w *Wal) Append(entry Entry) (uint64, Offset, error) {
	if atomic.LoadInt32(&w.closed) != 0 {
		return 0, 0, ErrClosed
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, 0, err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	seq := w.nextSeq
	w.nextSeq++
	rec := NewRecord(entry.EntryType(), seq, payload)
	raw, err := rec.Encode()
	if err != nil {
		return 0, 0, err
	}

	if uint64(w.active.size)+uint64(len(raw)) > w.segmentSize && w.active.size > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, 0, err
		}
	}

	withinOffset, err := w.active.appendRecord(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	globalOffset := NewOffset(w.active.id, withinOffset)

	w.statsMu.Lock()
	w.stats.EntryCount++
	w.stats.BytesWritten += uint64(len(raw))
	w.stats.Writes++
	w.stats.LatestOffset = uint64(globalOffset)
	w.statsMu.Unlock()

	w.writesSinceSync++
	if err := w.maybeSyncLocked(); err != nil {
		return 0, 0, err
	}

	return seq, globalOffset, nil
}

func (w *Wal) maybeSyncLocked() error {
	switch w.fsync.Kind {
	case FsyncEveryWrite:
		if err := w.active.sync(); err != nil {
			return err
		}
		w.statsMu.Lock()
		w.stats.Fsyncs++
		w.statsMu.Unlock()
		w.writesSinceSync = 0
	case FsyncEveryN:
		n := w.fsync.N
		if n == 0 {
			n = 1
		}
		if w.writesSinceSync >= n {
			if err := w.active.sync(); err != nil {
				return err
			}
			w.statsMu.Lock()
			w.stats.Fsyncs++
			w.statsMu.Unlock()
			w.writesSinceSync = 0
		}
	case FsyncEveryMs, FsyncNever:
		// handled by background ticker or never
	}
	return nil
}

func (w *Wal) rotateLocked() error {
	newID := w.segIDs[len(w.segIDs)-1] + 1
	seg, err := createSegment(w.dir, newID)
	if err != nil {
		return err
	}
	w.segs[newID] = seg
	w.segIDs = append(w.segIDs, newID)
	w.active = seg
	return nil
}

// Sync forces an fsync of the current segment regardless of policy.
func (w *Wal) Sync() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.active.sync(); err != nil {
		return err
	}
	w.statsMu.Lock()
	w.stats.Fsyncs++
	w.statsMu.Unlock()
	w.writesSinceSync = 0
	return nil
}

// ReadFrom returns decoded entries starting at (and including) from, up to
// limit entries (0 = unlimited).
func (w *Wal) ReadFrom(from Offset, limit int) ([]ReadResult, error) {
	w.writeMu.Lock()
	segIDs := append([]uint64(nil), w.segIDs...)
	w.writeMu.Unlock()

	var out []ReadResult
	for _, id := range segIDs {
		if id < from.SegmentID() {
			continue
		}
		w.writeMu.Lock()
		seg := w.segs[id]
		w.writeMu.Unlock()
		records, offsets, _, err := seg.readAll()
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		for i, rec := range records {
			globalOffset := NewOffset(id, offsets[i])
			if globalOffset < from {
				continue
			}
			entry, err := DecodeEntry(rec.EntryType, rec.Payload)
			if err != nil {
				return out, err
			}
			out = append(out, ReadResult{Sequence: rec.Sequence, Offset: globalOffset, EntryType: rec.EntryType, Entry: entry})
			w.statsMu.Lock()
			w.stats.Reads++
			w.stats.BytesRead += uint64(rec.DiskSize())
			w.statsMu.Unlock()
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// ReadResult is one decoded record returned by ReadFrom.
type ReadResult struct {
	Sequence  uint64
	Offset    Offset
	EntryType EntryType
	Entry     Entry
}

// EarliestOffset returns the first offset in the oldest retained segment.
func (w *Wal) EarliestOffset() Offset {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return NewOffset(w.segIDs[0], 0)
}

// LatestOffset returns the offset the next Append would be written at.
func (w *Wal) LatestOffset() Offset {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return NewOffset(w.active.id, uint64(w.active.size))
}

// NextSequence returns the sequence number the next Append will use.
func (w *Wal) NextSequence() uint64 {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.nextSeq
}

// Stats returns a snapshot of WAL statistics.
func (w *Wal) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	s := w.stats
	w.writeMu.Lock()
	s.SegmentCount = len(w.segIDs)
	var total uint64
	for _, id := range w.segIDs {
		total += uint64(w.segs[id].size)
	}
	w.writeMu.Unlock()
	s.TotalSizeBytes = total
	return s
}

// CompactBefore deletes whole segments strictly below before's segment,
// returning the number of segments deleted and bytes reclaimed. Only
// whole-segment deletion is ever performed; a segment containing any
// offset >= before is never touched.
func (w *Wal) CompactBefore(before Offset) (deletedSegments int, bytesReclaimed int64, err error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	targetSeg := before.SegmentID()
	var remaining []uint64
	for _, id := range w.segIDs {
		if id < targetSeg && id != w.active.id {
			seg := w.segs[id]
			bytesReclaimed += seg.size
			if err := seg.close(); err != nil {
				return deletedSegments, bytesReclaimed, err
			}
			if err := os.Remove(seg.path); err != nil {
				return deletedSegments, bytesReclaimed, err
			}
			delete(w.segs, id)
			deletedSegments++
			continue
		}
		remaining = append(remaining, id)
	}
	w.segIDs = remaining
	return deletedSegments, bytesReclaimed, nil
}

// SegmentIDs returns the currently retained segment ids, ascending.
func (w *Wal) SegmentIDs() []uint64 {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return append([]uint64(nil), w.segIDs...)
}

// Close flushes and releases all segment file handles.
func (w *Wal) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	if w.stopMsSync != nil {
		close(w.stopMsSync)
		<-w.msSyncDone
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	var firstErr error
	for _, id := range w.segIDs {
		if err := w.segs[id].close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

