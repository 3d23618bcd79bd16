// Package snapshot persists point-in-time instance images so compaction
// can reclaim WAL segments once every live instance's latest snapshot is
// at or beyond the segment's offset range.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("snapshot: not found")

// Image is the serialized instance state captured at a WAL offset.
type Image struct {
	InstanceID string          `json:"instance_id"`
	Machine    string          `json:"machine"`
	Version    int             `json:"version"`
	State      string          `json:"state"`
	Ctx        json.RawMessage `json:"ctx"`
	WALOffset  uint64          `json:"wal_offset"`
}

// Meta is the index entry recorded for an instance's latest snapshot.
type Meta struct {
	InstanceID string `json:"instance_id"`
	SnapshotID string `json:"snapshot_id"`
	WALOffset  uint64 `json:"wal_offset"`
	Checksum   string `json:"checksum"`
	CreatedAt  int64  `json:"created_at"`
}

// Store is a directory of per-instance snapshot files plus an index.json
// mapping instance_id to its latest snapshot metadata.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	index map[string]Meta
}

// Open loads (or creates) a snapshot store rooted at dir.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, logger: logger, index: make(map[string]Meta)}
	indexPath := s.indexPath()
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.index); err != nil {
			return nil, fmt.Errorf("snapshot: corrupt index.json: %w", err)
		}
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index.json") }

func (s *Store) snapshotPath(id string) string { return filepath.Join(s.dir, id+".json") }

// Put captures img as a new snapshot file, replacing the previous latest
// snapshot recorded for its instance in the index.
func (s *Store) Put(img Image, createdAt int64) (Meta, error) {
	canonical, err := json.Marshal(img)
	if err != nil {
		return Meta{}, err
	}
	sum := sha256.Sum256(canonical)
	meta := Meta{
		InstanceID: img.InstanceID,
		SnapshotID: uuid.NewString(),
		WALOffset:  img.WALOffset,
		Checksum:   hex.EncodeToString(sum[:]),
		CreatedAt:  createdAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.snapshotPath(meta.SnapshotID), canonical, 0o644); err != nil {
		return Meta{}, err
	}
	prev, hadPrev := s.index[img.InstanceID]
	s.index[img.InstanceID] = meta
	if err := s.persistIndexLocked(); err != nil {
		// Roll back the in-memory index so a failed persist doesn't leave
		// callers believing a snapshot exists that the index can't find
		// again after restart.
		if hadPrev {
			s.index[img.InstanceID] = prev
		} else {
			delete(s.index, img.InstanceID)
		}
		_ = os.Remove(s.snapshotPath(meta.SnapshotID))
		return Meta{}, err
	}
	if hadPrev && prev.SnapshotID != meta.SnapshotID {
		_ = os.Remove(s.snapshotPath(prev.SnapshotID))
	}
	return meta, nil
}

// InstanceIDs returns every instance the store currently holds a snapshot
// for.
func (s *Store) InstanceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	return ids
}

// LatestFor returns the most recent snapshot metadata recorded for an
// instance.
func (s *Store) LatestFor(instanceID string) (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[instanceID]
	return meta, ok
}

// Load reads back and checksum-verifies the image behind meta.
func (s *Store) Load(meta Meta) (Image, error) {
	raw, err := os.ReadFile(s.snapshotPath(meta.SnapshotID))
	if err != nil {
		if os.IsNotExist(err) {
			return Image{}, ErrNotFound
		}
		return Image{}, err
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return Image{}, fmt.Errorf("snapshot: checksum mismatch for %s", meta.SnapshotID)
	}
	var img Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return Image{}, err
	}
	return img, nil
}

// MinWALOffset returns the lowest wal_offset among all live snapshots, or
// math.MaxUint64 if the store holds no snapshots — meaning compaction has
// no snapshot-derived floor and must fall back to another safe bound.
func (s *Store) MinWALOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := uint64(math.MaxUint64)
	for _, meta := range s.index {
		if meta.WALOffset < min {
			min = meta.WALOffset
		}
	}
	return min
}

// Delete drops an instance's snapshot entirely: its index entry and its
// snapshot file.
func (s *Store) Delete(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[instanceID]
	if !ok {
		return nil
	}
	delete(s.index, instanceID)
	if err := s.persistIndexLocked(); err != nil {
		return err
	}
	return os.Remove(s.snapshotPath(meta.SnapshotID))
}

func (s *Store) persistIndexLocked() error {
	raw, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}
