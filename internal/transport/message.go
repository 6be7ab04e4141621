package transport

import (
	"errors"
	"fmt"
	"time"

	"sketch-sync/internal/domain"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeSnapshotPush    MessageType = "snapshot_push"
	TypeSnapshotRequest MessageType = "snapshot_request"
	TypeDeleteRequest   MessageType = "delete_request"
	TypeDeleteAck       MessageType = "delete_ack"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Payload is the closed set of peer message bodies. Only types in this
// package implement it.
type Payload interface {
	MessageType() MessageType
	payload()
}

// SnapshotPush carries a full collection. It is also the reply to a
// SnapshotRequest.
type SnapshotPush struct {
	DeviceID string          `json:"device_id"`
	Sketches []domain.Sketch `json:"sketches"`
}

type SnapshotRequest struct {
	DeviceID string `json:"device_id"`
}

type DeleteRequest struct {
	DeviceID  string    `json:"device_id"`
	SketchID  string    `json:"sketch_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type DeleteAck struct {
	SketchID string `json:"sketch_id"`
}

func (SnapshotPush) MessageType() MessageType    { return TypeSnapshotPush }
func (SnapshotRequest) MessageType() MessageType { return TypeSnapshotRequest }
func (DeleteRequest) MessageType() MessageType   { return TypeDeleteRequest }
func (DeleteAck) MessageType() MessageType       { return TypeDeleteAck }

func (SnapshotPush) payload()    {}
func (SnapshotRequest) payload() {}
func (DeleteRequest) payload()   {}
func (DeleteAck) payload()       {}

// Message is the wire envelope.
type Message struct {
	ID           string      `json:"id"`
	ReplyTo      string      `json:"reply_to,omitempty"`
	Type         MessageType `json:"type"`
	Broadcast    bool        `json:"broadcast,omitempty"`
	ExpectsReply bool        `json:"expects_reply,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Payload      RawMessage  `json:"payload,omitempty"`
}

func NewMessage(payload Payload) (*Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownMessageType)
	}
	body, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", payload.MessageType(), err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      payload.MessageType(),
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}, nil
}

// Decode returns the typed payload. Every MessageType is handled here and
// anything else is ErrUnknownMessageType.
func (m *Message) Decode() (Payload, error) {
	switch m.Type {
	case TypeSnapshotPush:
		var p SnapshotPush
		if err := m.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeSnapshotRequest:
		var p SnapshotRequest
		if err := m.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeDeleteRequest:
		var p DeleteRequest
		if err := m.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		if p.SketchID == "" {
			return nil, errors.New("delete_request without sketch_id")
		}
		return p, nil
	case TypeDeleteAck:
		var p DeleteAck
		if err := m.unmarshalPayload(&p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
}

func (m *Message) unmarshalPayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

func EncodeMessage(m *Message) ([]byte, error) {
	b, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}

func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
