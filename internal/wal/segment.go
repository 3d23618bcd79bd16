package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentSuffix = ".wal"
const segmentIDDigits = 16

// segmentFileName formats a segment id as a zero-padded 16-digit name.
func segmentFileName(id uint64) string {
	return fmt.Sprintf("%0*d%s", segmentIDDigits, id, segmentSuffix)
}

// parseSegmentID extracts a segment id from a file name, returning ok=false
// for anything that isn't a well-formed segment file name.
func parseSegmentID(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	base := strings.TrimSuffix(name, segmentSuffix)
	if len(base) != segmentIDDigits {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listSegmentIDs enumerates existing segment ids in dir, sorted ascending.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// segment is one open WAL segment file. All appends to it are serialized by
// the owning Wal's writeMu; reads may happen concurrently via pread-style
// offset access (we keep it simple with a shared *os.File and an explicit
// ReadAt, which is safe for concurrent use in Go).
type segment struct {
	id   uint64
	path string
	file *os.File
	size int64
}

func createSegment(dir string, id uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &segment{id: id, path: path, file: f, size: info.Size()}, nil
}

func openSegment(dir string, id uint64) (*segment, error) {
	return createSegment(dir, id)
}

// appendRecord writes raw (already-encoded) record bytes at the current
// tail and returns the byte offset it was written at.
func (s *segment) appendRecord(raw []byte) (uint64, error) {
	offset := uint64(s.size)
	n, err := s.file.WriteAt(raw, s.size)
	if err != nil {
		return 0, err
	}
	s.size += int64(n)
	return offset, nil
}

func (s *segment) sync() error {
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

// readAll reads and decodes every well-formed record from the segment in
// order, stopping at (and reporting) the first structural problem so the
// caller can decide whether it's mid-log corruption or an expected
// incomplete tail write.
func (s *segment) readAll() (records []Record, offsets []uint64, validBytes int64, err error) {
	data := make([]byte, s.size)
	if _, err := s.file.ReadAt(data, 0); err != nil && err.Error() != "EOF" {
		if int64(len(data)) != s.size {
			return nil, nil, 0, err
		}
	}
	var pos int64
	for pos < int64(len(data)) {
		rec, n, decErr := DecodeRecord(data[pos:])
		if decErr != nil {
			return records, offsets, pos, decErr
		}
		if n == 0 {
			break
		}
		records = append(records, rec)
		offsets = append(offsets, uint64(pos))
		pos += int64(n)
	}
	return records, offsets, pos, nil
}

// truncate shrinks the segment file to validBytes, discarding an incomplete
// tail record left by a crash mid-write.
func (s *segment) truncate(validBytes int64) error {
	if err := s.file.Truncate(validBytes); err != nil {
		return err
	}
	s.size = validBytes
	return nil
}
