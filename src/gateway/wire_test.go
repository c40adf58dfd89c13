package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound_Configure_RoundTrip(t *testing.T) {
	raw := []byte(`{"type":"configure","stt_config":{"provider":"deepgram","language":"en-US","sample_rate":16000}}`)
	typ, payload, err := DecodeInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, InConfigure, typ)

	msg, ok := payload.(*ConfigureMessage)
	require.True(t, ok)
	require.NotNil(t, msg.STT)
	assert.Equal(t, "deepgram", msg.STT.Provider)
	assert.Equal(t, "en-US", msg.STT.Language)
	assert.Equal(t, 16000, msg.STT.SampleRate)
}

func TestDecodeInbound_ToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"speak","text":"hi","totally_unknown_field":{"nested":true}}`)
	typ, payload, err := DecodeInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, InSpeak, typ)
	msg := payload.(*SpeakMessage)
	assert.Equal(t, "hi", msg.Text)
}

func TestDecodeInbound_MalformedJSON_IsRecoverableProtocolError(t *testing.T) {
	_, _, err := DecodeInbound([]byte(`{not json`))
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrProtocol, gerr.Code)
	assert.True(t, gerr.Recoverable)
}

func TestDecodeInbound_UnknownType_IsRecoverableProtocolError(t *testing.T) {
	_, _, err := DecodeInbound([]byte(`{"type":"not_a_real_type"}`))
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrProtocol, gerr.Code)
}

func TestDecodeInbound_NeverPanicsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		[]byte("null"),
		[]byte(`[]`),
		[]byte(`{"type": 42}`),
		[]byte(`{"type":"configure","stt_config":"not-an-object"}`),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, _, _ = DecodeInbound(in)
		})
	}
}

func TestSpeakMessage_AllowInterruptionOrDefault(t *testing.T) {
	var m SpeakMessage
	assert.True(t, m.AllowInterruptionOrDefault(), "absent flag defaults to true")

	f := false
	m.AllowInterruption = &f
	assert.False(t, m.AllowInterruptionOrDefault())
}

func TestEncodeSTTResult_FieldNamesAreSnakeCase(t *testing.T) {
	raw := EncodeSTTResult("hello world", true, true, 0.94, nil, "en-US", 0.1, 1.2, 0)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, field := range []string{"transcript", "is_final", "is_speech_final", "confidence", "language", "start_time", "end_time", "channel_index"} {
		assert.Contains(t, decoded, field)
	}
}

func TestEncodeError_RoundTrips(t *testing.T) {
	raw := EncodeError(NewGatewayError(ErrProtocol, "malformed", true))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, string(ErrProtocol), decoded["code"])
	assert.Equal(t, true, decoded["recoverable"])
}
