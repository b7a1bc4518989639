package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

func TestDecode(t *testing.T) {
	raw := []byte(`{
		"tid": "t1",
		"bid": "b1",
		"timestamp": 1700000000000,
		"method": "cover_open",
		"data": {"position": 2},
		"gateway": "DOCK-1",
		"need_reply": true
	}`)

	env, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, "t1", env.TID)
	assert.Equal(t, "b1", env.BID)
	assert.Equal(t, int64(1700000000000), env.Timestamp)
	assert.Equal(t, "cover_open", env.Method)
	assert.Equal(t, "DOCK-1", env.Gateway)
	assert.True(t, env.NeedReply)
	assert.JSONEq(t, `{"position": 2}`, string(env.Data))
}

func TestDecodeTelemetryWithoutMethod(t *testing.T) {
	// Plain telemetry has no method and no tid; both are legal.
	env, err := Decode([]byte(`{"data": {"battery": 87}}`))
	require.NoError(t, err)
	assert.Empty(t, env.Method)
	assert.Empty(t, env.TID)
	assert.False(t, env.NeedReply)
}

func TestDecodeMalformed(t *testing.T) {
	raw := []byte(`{"tid": "t1", "data": `)

	env, err := Decode(raw)
	require.Error(t, err)
	assert.Nil(t, env)

	// The typed error carries the raw bytes and matches the sentinel.
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, raw, decodeErr.Raw)
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)
}

func TestEncodeDecode(t *testing.T) {
	data, err := MarshalData(map[string]int{"position": 1})
	require.NoError(t, err)

	env := &Envelope{
		TID:       "t2",
		BID:       "b2",
		Timestamp: 1700000000500,
		Method:    "cover_close",
		Data:      data,
	}

	raw, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.TID, decoded.TID)
	assert.Equal(t, env.Method, decoded.Method)
	assert.JSONEq(t, string(env.Data), string(decoded.Data))
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMarshalDataNil(t *testing.T) {
	data, err := MarshalData(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDataStaysDeferred(t *testing.T) {
	// The envelope must not interpret the payload, even when it is junk
	// for every registered method.
	env, err := Decode([]byte(`{"tid": "t3", "data": [1, "mixed", null]}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`[1, "mixed", null]`), env.Data)
}

func TestSentAt(t *testing.T) {
	env := &Envelope{Timestamp: 1700000000000}
	assert.Equal(t, time.UnixMilli(1700000000000), env.SentAt())

	var zero Envelope
	assert.True(t, zero.SentAt().IsZero())
}
