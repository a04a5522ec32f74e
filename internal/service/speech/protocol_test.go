package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := gzipBytes([]byte(`{"hello":"world"}`))
	require.NoError(t, err)

	encoded := newFullClientRequest(payload, compressionGzip).encode()
	assert.Equal(t, byte(0x11), encoded[0])
	assert.Equal(t, byte(0x10), encoded[1])
	assert.Equal(t, byte(0x11), encoded[2])

	decoded, err := decodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, typeFullClientRequest, decoded.kind)
	body, err := decoded.body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(body))
}

func TestAudioFrameLastPacketUsesNegativeSequence(t *testing.T) {
	f := newAudioFrame([]byte{1, 2, 3}, 7, true)
	decoded, err := decodeFrame(f.encode())
	require.NoError(t, err)

	assert.True(t, decoded.isLast())
	assert.Equal(t, int32(-7), decoded.sequence)
	assert.Equal(t, []byte{1, 2, 3}, decoded.payload)

	mid, err := decodeFrame(newAudioFrame([]byte{9}, 3, false).encode())
	require.NoError(t, err)
	assert.False(t, mid.isLast())
	assert.Equal(t, int32(3), mid.sequence)
}

func TestEventFrameRoundTrip(t *testing.T) {
	f := &frame{
		kind:          typeFullServerResponse,
		flags:         flagWithEvent,
		serialization: serializationJSON,
		event:         eventSessionFinished,
		sessionID:     "abc",
		payload:       []byte(`{}`),
	}
	decoded, err := decodeFrame(f.encode())
	require.NoError(t, err)
	assert.Equal(t, eventSessionFinished, decoded.event)
	assert.Equal(t, "abc", decoded.sessionID)

	conn := &frame{kind: typeFullServerResponse, flags: flagWithEvent, event: eventConnectionStarted, connectID: "c-1"}
	decoded, err = decodeFrame(conn.encode())
	require.NoError(t, err)
	assert.Equal(t, "c-1", decoded.connectID)
	assert.Empty(t, decoded.sessionID)
}

func TestErrorFrameCarriesCode(t *testing.T) {
	f := &frame{kind: typeErrorMessage, errorCode: 45000001, payload: []byte("bad request")}
	decoded, err := decodeFrame(f.encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(45000001), decoded.errorCode)
	assert.Equal(t, "bad request", string(decoded.payload))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte{0x11})
	assert.Error(t, err)

	_, err = decodeFrame([]byte{0x21, 0x10, 0x10, 0x00, 0, 0, 0, 0})
	assert.Error(t, err)

	// 声明 10 字节 payload 但只给 2 字节
	_, err = decodeFrame([]byte{0x11, 0x90, 0x10, 0x00, 0, 0, 0, 10, 'a', 'b'})
	assert.Error(t, err)
}
