package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a collaboration message on the wire.
// The set is closed: the router switches exhaustively over these values
// and the validator rejects anything else before dispatch.
type MessageType string

const (
	MessageTypeEdit      MessageType = "edit"
	MessageTypePresence  MessageType = "presence"
	MessageTypeComment   MessageType = "comment"
	MessageTypeUndo      MessageType = "undo"
	MessageTypeRedo      MessageType = "redo"
	MessageTypeSync      MessageType = "sync"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeEdit, MessageTypePresence, MessageTypeComment,
		MessageTypeUndo, MessageTypeRedo, MessageTypeSync,
		MessageTypeAck, MessageTypeError, MessageTypeHeartbeat:
		return true
	}
	return false
}

// Message is the envelope shared by every frame on a collaboration socket.
// Version carries the session version the message is framed against;
// OperationID is a client-supplied correlation token echoed back in acks.
type Message struct {
	Type        MessageType     `json:"type"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     int             `json:"version"`
	OperationID string          `json:"operation_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope with the payload marshaled into Data.
func NewMessage(t MessageType, sessionID, userID string, version int, payload any) (*Message, error) {
	msg := &Message{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Version:   version,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// MustMessage is NewMessage for server-constructed payloads that cannot
// fail to marshal (maps and plain structs).
func MustMessage(t MessageType, sessionID, userID string, version int, payload any) *Message {
	msg, err := NewMessage(t, sessionID, userID, version, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode marshals the full envelope for transmission.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Edit operation types within an edit payload.
const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// EditOperation describes a single content mutation. Position is a rune
// offset into the session content. For inserts Content is the spliced-in
// text; for deletes Length is the number of runes removed.
type EditOperation struct {
	Type     string `json:"type" validate:"required,oneof=insert delete"`
	Position int    `json:"position" validate:"gte=0"`
	Content  string `json:"content,omitempty" validate:"max=10000"`
	Length   int    `json:"length,omitempty" validate:"gte=0"`
}

// EditPayload is the data section of an edit message.
type EditPayload struct {
	Operation EditOperation `json:"operation" validate:"required"`
}

// Presence sub-types.
const (
	PresenceCursor     = "cursor"
	PresenceSelection  = "selection"
	PresenceUserInfo   = "user_info"
	PresenceUserJoined = "user_joined"
	PresenceUserLeft   = "user_left"
)

// PresencePayload is the data section of a presence message. Only the
// fields matching PresenceType are meaningful.
type PresencePayload struct {
	PresenceType string `json:"presence_type" validate:"required,oneof=cursor selection user_info"`
	Line         int    `json:"line,omitempty" validate:"gte=0"`
	Column       int    `json:"column,omitempty" validate:"gte=0"`
	Start        int    `json:"start,omitempty" validate:"gte=0"`
	End          int    `json:"end,omitempty" validate:"gte=0"`
	Name         string `json:"name,omitempty" validate:"max=100"`
	Color        string `json:"color,omitempty" validate:"max=16"`
}

// Comment actions within a comment payload.
const (
	CommentActionAdd     = "add"
	CommentActionReply   = "reply"
	CommentActionResolve = "resolve"
)

// CommentPayload is the data section of a comment message.
type CommentPayload struct {
	Action    string `json:"comment_type" validate:"required,oneof=add reply resolve"`
	CommentID string `json:"comment_id,omitempty"`
	Line      int    `json:"line,omitempty" validate:"gte=0"`
	Text      string `json:"text,omitempty" validate:"max=5000"`
}

// AckPayload is sent back to an edit's sender after a successful apply.
type AckPayload struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// ErrorPayload carries a rejection back to the offending sender.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SyncPayload is the full session snapshot sent to a single connection on
// join or after an explicit sync request.
type SyncPayload struct {
	Content      string         `json:"content"`
	Version      int            `json:"version"`
	Participants []*Participant `json:"participants"`
	Comments     []*Comment     `json:"comments"`
	EditCount    int            `json:"edit_count"`
	ConnectionID string         `json:"connection_id,omitempty"`
}
