// Package realtime fans sync notifications out to a user's connected
// devices over WebSocket and relays them between server instances.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/types"
)

// ClientMessage is a message received from a device.
type ClientMessage struct {
	MessageType types.MessageType `json:"messageType"`
	Data        json.RawMessage   `json:"data,omitempty"`
	DeviceID    string            `json:"deviceId,omitempty"`
}

// ServerMessage is a message sent to a device.
type ServerMessage struct {
	MessageID   string            `json:"messageId"`
	MessageType types.MessageType `json:"messageType"`
	Data        json.RawMessage   `json:"data,omitempty"`
	UserID      string            `json:"userId"`
	SessionID   string            `json:"sessionId,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// UpdateData is the data section of a ServerMessage carrying a
// RealtimeUpdate.
type UpdateData struct {
	UpdateID string         `json:"updateId"`
	DataType types.DataType `json:"dataType,omitempty"`
	RecordID string         `json:"recordId,omitempty"`
	Payload  types.Fields   `json:"payload,omitempty"`
}

// ErrorData is the data section of an error message.
type ErrorData struct {
	Error    string          `json:"error"`
	Received json.RawMessage `json:"received,omitempty"`
}

var errMissingType = errors.New("missing messageType")

// DecodeClientMessage parses a raw frame from a device.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.MessageType == "" {
		return ClientMessage{}, errMissingType
	}
	return msg, nil
}

// NewServerMessage builds a message with a fresh id. data is marshaled
// to JSON; nil leaves Data empty.
func NewServerMessage(kind types.MessageType, userID, sessionID string, data any, now time.Time) (ServerMessage, error) {
	msg := ServerMessage{
		MessageID:   uuid.NewString(),
		MessageType: kind,
		UserID:      userID,
		SessionID:   sessionID,
		Timestamp:   now.UTC(),
	}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("failed to marshal %s data: %w", kind, err)
	}
	msg.Data = raw
	return msg, nil
}

// updateMessage renders a RealtimeUpdate for one connection.
func updateMessage(u *types.RealtimeUpdate, sessionID string, now time.Time) (ServerMessage, error) {
	return NewServerMessage(u.Kind, u.UserID, sessionID, UpdateData{
		UpdateID: u.ID,
		DataType: u.DataType,
		RecordID: u.RecordID,
		Payload:  u.Payload,
	}, now)
}
