// Package machinestore persists machine definitions as one JSON file per
// (name, version) under <data_dir>/machines/, mirroring the reference
// implementation's store.rs: definitions on disk are authoritative, and
// the WAL's PutMachine entry only confirms the write already happened.
package machinestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Stored is one machine definition file's contents.
type Stored struct {
	Name       string          `json:"name"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
	Checksum   string          `json:"checksum"`
}

// Store persists and loads machine definition files under dir.
type Store struct {
	dir    string
	logger zerolog.Logger
}

// Open ensures dir exists; it does not itself load any files (call List to
// do that at startup, the same two-step the reference implementation uses).
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(name string, version int) string {
	return filepath.Join(s.dir, name+"_"+strconv.Itoa(version)+".json")
}

// PersistMachine writes one definition file, satisfying engine.MachineSink.
func (s *Store) PersistMachine(name string, version int, body json.RawMessage, checksum string) error {
	stored := Stored{Name: name, Version: version, Definition: body, Checksum: checksum}
	raw, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(name, version), raw, 0o644)
}

// List reads every *.json file under dir, for hydrating the engine's
// registry before the WAL is opened.
func (s *Store) List() ([]Stored, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Stored, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var stored Stored
		if err := json.Unmarshal(raw, &stored); err != nil {
			s.logger.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable machine definition file")
			continue
		}
		out = append(out, stored)
	}
	return out, nil
}
