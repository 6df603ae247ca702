// Package protocol defines the websocket wire format between the
// orchestrator and worker agents: a tagged envelope carrying one typed
// payload per message kind. Every request that expects an answer carries a
// request id; the answer echoes it back.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthHeaderKey is the HTTP header that carries the worker's signed
// authentication header during the websocket upgrade.
const AuthHeaderKey = "X-Fleet-Auth"

// MessageType tags the payload carried by an envelope.
type MessageType string

const (
	// Orchestrator -> worker
	MsgMasterVerification MessageType = "masterVerification"
	MsgEvalRequest        MessageType = "evalRequest"
	MsgUpdate             MessageType = "update"
	MsgRespawn            MessageType = "respawn"
	MsgWriteFile          MessageType = "writeFile"
	MsgGetFile            MessageType = "getFile"

	// Worker -> orchestrator
	MsgStatus        MessageType = "status"
	MsgBroadcastEval MessageType = "broadcastEval"
	MsgRespawnAll    MessageType = "respawnAll"
	MsgSendSQL       MessageType = "sendSQL"

	// Either direction
	MsgReply MessageType = "reply"
)

// Message is the wire envelope. ID correlates requests with replies and is
// empty on fire-and-forget messages.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates an envelope with a fresh request id.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}, nil
}

// NewEvent creates an envelope with no request id (no reply expected).
func NewEvent(msgType MessageType, payload any) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = ""
	return msg, nil
}

// NewReply creates a success reply echoing the request's id. The payload,
// when non-nil, rides inside the Reply wrapper so the requester checks for
// an error before decoding it.
func NewReply(req *Message, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply payload: %w", err)
		}
		raw = encoded
	}
	data, err := json.Marshal(Reply{Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	return &Message{
		Type:      MsgReply,
		ID:        req.ID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}, nil
}

// NewErrorReply creates a reply carrying only an error string.
func NewErrorReply(req *Message, errMsg string) *Message {
	data, _ := json.Marshal(Reply{Error: errMsg})
	return &Message{
		Type:      MsgReply,
		ID:        req.ID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Decode unmarshals the envelope payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
