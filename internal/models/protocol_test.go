package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMessageRoundTrip(t *testing.T) {
	data, err := json.Marshal(FramePayload{
		Frame:          "aGVsbG8=",
		Timestamp:      1724572800000,
		SequenceNumber: 17,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(WSMessage{Type: TypeFrame, Data: data})
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypeFrame, msg.Type)

	var payload FramePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "aGVsbG8=", payload.Frame)
	assert.Equal(t, int64(1724572800000), payload.Timestamp)
	assert.Equal(t, int32(17), payload.SequenceNumber)
}

func TestCmdMessageCarriesParams(t *testing.T) {
	raw := []byte(`{"type":"cmd","cmd":"set_params","params":{"CLOSED_SECONDS":2.0}}`)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypeCmd, msg.Type)
	assert.Equal(t, CmdSetParams, msg.Cmd)
	assert.JSONEq(t, `{"CLOSED_SECONDS":2.0}`, string(msg.Params))
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(WSMessage{Type: TypePong})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]interface{}{"type": "pong"}, decoded)
}

func TestConstructors(t *testing.T) {
	state := NewStateMessage(map[string]string{"state": "open"})
	assert.Equal(t, TypeState, state.Type)
	assert.NotNil(t, state.Payload)
	assert.NotZero(t, state.Timestamp)

	info := NewInfoMessage("baseline_started")
	assert.Equal(t, TypeInfo, info.Type)
	assert.Equal(t, "baseline_started", info.Message)

	errMsg := NewErrorMessage("invalid frame payload")
	assert.Equal(t, TypeError, errMsg.Type)
	assert.Equal(t, "invalid frame payload", errMsg.Message)
}
