package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte(`{"type":"request","id":"1","op":"PING","params":{}}`)
	frame := NewFrame(payload)

	encoded, err := frame.Encode()
	require.NoError(t, err)

	decoded, n, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, ProtocolVersion, decoded.Version)
	assert.True(t, decoded.HasCRC())
	assert.Equal(t, payload, decoded.Payload)
}

func TestFrameCRCMismatchIsRejected(t *testing.T) {
	payload := []byte(`{"test":"data"}`)
	frame := NewFrame(payload)
	encoded, err := frame.Encode()
	require.NoError(t, err)

	// Corrupt a payload byte without touching the header.
	encoded[FrameHeaderSize] ^= 0xFF

	_, _, err = DecodeFrame(encoded)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadRequest, perr.Code)
}

func TestFrameInvalidMagicTerminates(t *testing.T) {
	buf := make([]byte, FrameHeaderSize)
	copy(buf, "XXXX")
	_, _, err := DecodeFrame(buf)
	require.Error(t, err)
}

func TestFrameUnsupportedVersion(t *testing.T) {
	payload := []byte(`{}`)
	frame := NewFrame(payload)
	frame.Version = 99
	encoded, err := frame.Encode()
	require.NoError(t, err)

	_, _, err = DecodeFrame(encoded)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrUnsupportedProtocol, perr.Code)
}

func TestFramePartialBufferNeedsMoreData(t *testing.T) {
	payload := []byte(`{"a":1}`)
	encoded, err := NewFrame(payload).Encode()
	require.NoError(t, err)

	f, n, err := DecodeFrame(encoded[:FrameHeaderSize-1])
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, Frame{}, f)
}

func TestFrameTooLargeRejected(t *testing.T) {
	frame := NewFrame(make([]byte, MaxPayloadSize+1))
	_, err := frame.Encode()
	require.Error(t, err)
}

func TestFrameInvalidFlagsRejected(t *testing.T) {
	encoded, err := NewFrame([]byte(`{}`)).Encode()
	require.NoError(t, err)
	encoded[6] = 0xFF // stomp high flag bits
	_, _, err = DecodeFrame(encoded)
	require.Error(t, err)
}
