package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordMagic identifies WAL records on disk: "WLOG".
var RecordMagic = [4]byte{'W', 'L', 'O', 'G'}

// RecordHeaderSize is magic(4) type(1) flags(1) reserved(2) payload_len(4)
// crc32c(4) sequence(8) = 24 bytes.
const RecordHeaderSize = 24

// MaxRecordSize bounds a single WAL record's payload.
const MaxRecordSize = 16 * 1024 * 1024

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one on-disk WAL record: header plus raw JSON payload.
type Record struct {
	EntryType EntryType
	Flags     uint8
	Sequence  uint64
	Payload   []byte
}

// NewRecord builds a record; its CRC is computed when Encode serializes it.
func NewRecord(entryType EntryType, sequence uint64, payload []byte) Record {
	return Record{EntryType: entryType, Sequence: sequence, Payload: payload}
}

// Encode serializes the record to its on-disk byte layout.
func (r Record) Encode() ([]byte, error) {
	if len(r.Payload) > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(r.Payload), MaxRecordSize)
	}
	buf := make([]byte, RecordHeaderSize+len(r.Payload))
	copy(buf[0:4], RecordMagic[:])
	buf[4] = byte(r.EntryType)
	buf[5] = r.Flags
	binary.BigEndian.PutUint16(buf[6:8], 0) // reserved
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(r.Payload)))
	crc := crc32.Checksum(r.Payload, crcTable)
	binary.BigEndian.PutUint32(buf[12:16], crc)
	binary.BigEndian.PutUint64(buf[16:24], r.Sequence)
	copy(buf[RecordHeaderSize:], r.Payload)
	return buf, nil
}

// DecodeRecord parses one record from buf. It returns (record, bytesConsumed,
// nil) on success, (Record{}, 0, nil) if buf doesn't yet hold a complete
// record (including a zeroed tail left by a failed write), or a non-nil
// error on structural corruption (bad magic that isn't zero padding, or CRC
// mismatch).
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < RecordHeaderSize {
		return Record{}, 0, nil
	}
	if buf[0] != RecordMagic[0] || buf[1] != RecordMagic[1] || buf[2] != RecordMagic[2] || buf[3] != RecordMagic[3] {
		if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0 {
			return Record{}, 0, nil
		}
		return Record{}, 0, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	entryType := EntryType(buf[4])
	flags := buf[5]
	payloadLen := int(binary.BigEndian.Uint32(buf[8:12]))
	crcExpected := binary.BigEndian.Uint32(buf[12:16])
	sequence := binary.BigEndian.Uint64(buf[16:24])

	if payloadLen > MaxRecordSize {
		return Record{}, 0, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, payloadLen, MaxRecordSize)
	}
	total := RecordHeaderSize + payloadLen
	if len(buf) < total {
		return Record{}, 0, nil
	}
	payload := append([]byte(nil), buf[RecordHeaderSize:total]...)
	crcActual := crc32.Checksum(payload, crcTable)
	if crcActual != crcExpected {
		return Record{}, 0, fmt.Errorf("%w: expected %08x got %08x", ErrCorrupted, crcExpected, crcActual)
	}
	return Record{
		EntryType: entryType,
		Flags:     flags,
		Sequence:  sequence,
		Payload:   payload,
	}, total, nil
}

// DiskSize reports the total on-disk size of the record.
func (r Record) DiskSize() int {
	return RecordHeaderSize + len(r.Payload)
}
