package models

import (
	"encoding/json"
	"time"
)

// MessageType identifies a WebSocket message.
type MessageType string

const (
	// Client → server
	TypeFrame MessageType = "frame"
	TypeCmd   MessageType = "cmd"

	// Server → client
	TypeState MessageType = "state"
	TypeInfo  MessageType = "info"
	TypeError MessageType = "error"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Commands carried by TypeCmd messages.
const (
	CmdBeginBaseline = "begin_baseline"
	CmdSetParams     = "set_params"
)

// WSMessage is the envelope for every message on the detection socket.
// Which fields are populated depends on Type: frame messages carry Data,
// cmd messages carry Cmd and optionally Params, state messages carry Payload
// and info/error messages carry Message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Cmd       string          `json:"cmd,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Payload   interface{}     `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// FramePayload is the data of a frame message. Frame carries the image bytes
// base64-encoded; the server never interprets them beyond handing them to the
// landmark extractor.
type FramePayload struct {
	Frame          string `json:"frame"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	SequenceNumber int32  `json:"sequence_number,omitempty"`
}

// NewStateMessage wraps a per-frame detection result.
func NewStateMessage(payload interface{}) WSMessage {
	return WSMessage{
		Type:      TypeState,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
}

// NewInfoMessage wraps a lifecycle notice (connected, baseline_started,
// parameters_updated).
func NewInfoMessage(msg string) WSMessage {
	return WSMessage{
		Type:      TypeInfo,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorMessage wraps a transport-level error notice.
func NewErrorMessage(msg string) WSMessage {
	return WSMessage{
		Type:      TypeError,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
}
