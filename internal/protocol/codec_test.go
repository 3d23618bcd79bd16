package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoderRoundtrip(t *testing.T) {
	req := NewRequest("42", OpPing, nil)
	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Extend(encoded)

	decoded, ok, err := dec.DecodeRequest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", decoded.ID)
	assert.Equal(t, OpPing, decoded.Op)
}

func TestDecoderPartialFrame(t *testing.T) {
	req := NewRequest("1", OpPing, nil)
	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Extend(encoded[:10])
	_, ok, err := dec.DecodeRequest()
	require.NoError(t, err)
	assert.False(t, ok)

	dec.Extend(encoded[10:])
	decoded, ok, err := dec.DecodeRequest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", decoded.ID)
}

func TestEncodeResponseRoundtrip(t *testing.T) {
	resp, err := OK("req-1", map[string]bool{"pong": true})
	require.NoError(t, err)
	encoded, err := EncodeResponse(resp)
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Extend(encoded)
	decoded, ok, err := dec.DecodeResponse()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, StatusOK, decoded.Status)
}

func TestDecoderBufferedAndClear(t *testing.T) {
	dec := NewDecoder()
	assert.Equal(t, 0, dec.Buffered())
	dec.Extend([]byte("some data"))
	assert.Equal(t, 9, dec.Buffered())
	dec.Clear()
	assert.Equal(t, 0, dec.Buffered())
}

func TestJSONLRoundtrip(t *testing.T) {
	req := NewRequest("1", OpInfo, nil)
	encoded, err := EncodeJSONL(req)
	require.NoError(t, err)

	dec := NewJSONLDecoder()
	dec.Extend(encoded)

	var decoded Request
	ok, err := dec.DecodeLine(&decoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", decoded.ID)
	assert.Equal(t, OpInfo, decoded.Op)
}

func TestJSONLPartialLine(t *testing.T) {
	dec := NewJSONLDecoder()
	dec.Extend([]byte(`{"type":"request"`))

	var decoded Request
	ok, err := dec.DecodeLine(&decoded)
	require.NoError(t, err)
	assert.False(t, ok)

	dec.Extend([]byte(`,"id":"1","op":"PING","params":{}}` + "\n"))
	ok, err = dec.DecodeLine(&decoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", decoded.ID)
}

func TestJSONLMultipleLines(t *testing.T) {
	dec := NewJSONLDecoder()
	req1, _ := EncodeJSONL(NewRequest("1", OpPing, nil))
	req2, _ := EncodeJSONL(NewRequest("2", OpInfo, nil))
	dec.Extend(req1)
	dec.Extend(req2)

	var d1, d2 Request
	ok, err := dec.DecodeLine(&d1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", d1.ID)

	ok, err = dec.DecodeLine(&d2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", d2.ID)
}

func TestDecodeRequestMalformedPayloadIsPayloadError(t *testing.T) {
	frame, err := NewFrame([]byte("not json")).Encode()
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Extend(frame)
	_, ok, err := dec.DecodeRequest()
	assert.False(t, ok)
	require.Error(t, err)

	var payloadErr *PayloadError
	assert.True(t, errors.As(err, &payloadErr))
	assert.Equal(t, ErrBadRequest, payloadErr.Err.Code)
}

func TestDecodeFrameBadMagicIsNotPayloadError(t *testing.T) {
	dec := NewDecoder()
	dec.Extend(make([]byte, FrameHeaderSize)) // all zero: fails the magic check
	_, ok, err := dec.DecodeRequest()
	assert.False(t, ok)
	require.Error(t, err)

	var payloadErr *PayloadError
	assert.False(t, errors.As(err, &payloadErr))
}

func TestJSONLMalformedLineIsPayloadError(t *testing.T) {
	dec := NewJSONLDecoder()
	dec.Extend([]byte("not json\n"))

	var decoded Request
	ok, err := dec.DecodeLine(&decoded)
	assert.False(t, ok)
	require.Error(t, err)

	var payloadErr *PayloadError
	assert.True(t, errors.As(err, &payloadErr))
}

func TestErrorCodeIsRetryable(t *testing.T) {
	assert.True(t, ErrWALIOError.IsRetryable())
	assert.True(t, ErrInternalError.IsRetryable())
	assert.True(t, ErrRateLimited.IsRetryable())
	assert.False(t, ErrBadRequest.IsRetryable())
	assert.False(t, ErrConflict.IsRetryable())
}
