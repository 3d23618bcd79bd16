package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic identifies RCPX frames: "RCPX".
var Magic = [4]byte{'R', 'C', 'P', 'X'}

// ProtocolVersion is the currently negotiated wire version.
const ProtocolVersion uint16 = 1

// FrameHeaderSize is the fixed 18-byte header: magic(4) version(2) flags(2)
// header_ext_len(2) payload_len(4) crc32c(4).
const FrameHeaderSize = 18

// MaxPayloadSize bounds a single frame's payload.
const MaxPayloadSize = 16 * 1024 * 1024

// Flag bits for the frame header.
const (
	FlagCRCPresent uint16 = 1 << 0
	FlagCompressed uint16 = 1 << 1
	FlagStream     uint16 = 1 << 2
	FlagEndStream  uint16 = 1 << 3

	validFlagMask uint16 = 0x000F
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Frame is a decoded RCPX frame.
type Frame struct {
	Version          uint16
	Flags            uint16
	HeaderExtension  []byte
	Payload          []byte
}

// NewFrame builds a frame with CRC enabled, the standard posture for every
// request/response/event on the wire.
func NewFrame(payload []byte) Frame {
	return Frame{
		Version: ProtocolVersion,
		Flags:   FlagCRCPresent,
		Payload: payload,
	}
}

// HasCRC reports whether the CRC_PRESENT flag is set.
func (f Frame) HasCRC() bool { return f.Flags&FlagCRCPresent != 0 }

// IsStream reports whether the STREAM flag is set.
func (f Frame) IsStream() bool { return f.Flags&FlagStream != 0 }

// IsEndStream reports whether the END_STREAM flag is set.
func (f Frame) IsEndStream() bool { return f.Flags&FlagEndStream != 0 }

// Encode serializes the frame to wire bytes.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, NewError(ErrBadRequest, fmt.Sprintf("frame payload %d exceeds max %d", len(f.Payload), MaxPayloadSize))
	}
	headerExtLen := len(f.HeaderExtension)
	total := FrameHeaderSize + headerExtLen + len(f.Payload)
	buf := make([]byte, total)

	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], f.Version)
	binary.BigEndian.PutUint16(buf[6:8], f.Flags)
	binary.BigEndian.PutUint16(buf[8:10], uint16(headerExtLen))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))

	var crc uint32
	if f.HasCRC() {
		crc = crc32.Checksum(f.Payload, crcTable)
	}
	binary.BigEndian.PutUint32(buf[14:18], crc)

	offset := FrameHeaderSize
	if headerExtLen > 0 {
		copy(buf[offset:offset+headerExtLen], f.HeaderExtension)
		offset += headerExtLen
	}
	copy(buf[offset:], f.Payload)

	return buf, nil
}

// DecodeFrame attempts to decode one frame from buf. It returns (frame,
// bytesConsumed, nil) on success, (Frame{}, 0, nil) if more data is needed,
// or a non-nil error for protocol violations that should terminate the
// connection (bad magic, bad version, bad flags, oversized frame, CRC
// mismatch).
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < FrameHeaderSize {
		return Frame{}, 0, nil
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return Frame{}, 0, NewError(ErrBadRequest, "invalid frame magic")
	}
	version := binary.BigEndian.Uint16(buf[4:6])
	if version != ProtocolVersion {
		return Frame{}, 0, NewError(ErrUnsupportedProtocol, fmt.Sprintf("unsupported frame version %d", version))
	}
	flags := binary.BigEndian.Uint16(buf[6:8])
	if flags & ^validFlagMask != 0 {
		return Frame{}, 0, NewError(ErrBadRequest, fmt.Sprintf("invalid frame flags 0x%04x", flags))
	}
	headerExtLen := int(binary.BigEndian.Uint16(buf[8:10]))
	payloadLen := int(binary.BigEndian.Uint32(buf[10:14]))
	if payloadLen > MaxPayloadSize {
		return Frame{}, 0, NewError(ErrBadRequest, fmt.Sprintf("frame payload %d exceeds max %d", payloadLen, MaxPayloadSize))
	}
	crcExpected := binary.BigEndian.Uint32(buf[14:18])

	total := FrameHeaderSize + headerExtLen + payloadLen
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	headerExt := buf[FrameHeaderSize : FrameHeaderSize+headerExtLen]
	payload := buf[FrameHeaderSize+headerExtLen : total]

	if flags&FlagCRCPresent != 0 {
		actual := crc32.Checksum(payload, crcTable)
		if actual != crcExpected {
			return Frame{}, 0, NewError(ErrBadRequest, fmt.Sprintf("crc mismatch: expected %08x got %08x", crcExpected, actual))
		}
	}

	out := Frame{
		Version:         version,
		Flags:           flags,
		HeaderExtension: append([]byte(nil), headerExt...),
		Payload:         append([]byte(nil), payload...),
	}
	return out, total, nil
}
