// Package idempotency implements the (instance_id|"", key) -> cached
// response index used by CREATE_INSTANCE, APPLY_EVENT, DELETE_INSTANCE and
// BATCH to make retried requests safe, supplementing spec.md's logical
// "Idempotency record" contract with the reference implementation's
// dedicated index crate: a JSON side file plus a periodic TTL sweep.
package idempotency

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcpx/rcpx/internal/engine"
)

// DefaultRetention is the minimum age entries are kept before the sweep
// may evict them, matching the reference implementation's 24h floor.
const DefaultRetention = 24 * time.Hour

// DefaultSweepInterval is how often expired entries are purged.
const DefaultSweepInterval = 60 * time.Second

type entry struct {
	Key        string          `json:"key"`
	InstanceID string          `json:"instance_id,omitempty"`
	Op         string          `json:"operation"`
	WALOffset  uint64          `json:"wal_offset"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Index is a concurrent idempotency cache, persisted as a JSON side file
// and rebuilt incrementally as entries are recorded. It satisfies
// engine.IdempotencyStore.
type Index struct {
	path      string
	retention time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	done chan struct{}
}

var _ engine.IdempotencyStore = (*Index)(nil)

// Open loads an existing side file at path (if present) and returns an
// Index ready for use. It does not start the sweep goroutine; call
// StartSweeper for that.
func Open(path string, retention time.Duration, logger zerolog.Logger) (*Index, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	idx := &Index{path: path, retention: retention, logger: logger, entries: make(map[string]entry)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &idx.entries); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func scopeKey(scope, key string) string { return scope + "\x00" + key }

// Get returns the cached record for (scope, key), if present.
func (idx *Index) Get(scope, key string) (engine.IdempotencyRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[scopeKey(scope, key)]
	if !ok {
		return engine.IdempotencyRecord{}, false
	}
	return engine.IdempotencyRecord{Op: e.Op, InstanceID: e.InstanceID, Result: e.Result, WALOffset: e.WALOffset}, true
}

// Put records rec under (scope, key) and persists the side file.
func (idx *Index) Put(scope, key string, rec engine.IdempotencyRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[scopeKey(scope, key)] = entry{
		Key: key, InstanceID: rec.InstanceID, Op: rec.Op, WALOffset: rec.WALOffset,
		Result: rec.Result, CreatedAt: time.Now(),
	}
	return idx.persistLocked()
}

func (idx *Index) persistLocked() error {
	if idx.path == "" {
		return nil
	}
	raw, err := json.Marshal(idx.entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return err
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, idx.path)
}

// sweep evicts entries older than the retention window.
func (idx *Index) sweep() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cutoff := time.Now().Add(-idx.retention)
	changed := false
	for k, e := range idx.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(idx.entries, k)
			changed = true
		}
	}
	if changed {
		if err := idx.persistLocked(); err != nil {
			idx.logger.Warn().Err(err).Msg("idempotency sweep: failed to persist after eviction")
		}
	}
}

// StartSweeper launches the background eviction loop at interval, returning
// a stop function. Safe to call at most once per Index.
func (idx *Index) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	idx.stop = make(chan struct{})
	idx.done = make(chan struct{})
	go func() {
		defer close(idx.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idx.sweep()
			case <-idx.stop:
				return
			}
		}
	}()
	return func() {
		close(idx.stop)
		<-idx.done
	}
}
