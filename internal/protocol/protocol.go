// Package protocol defines the JSON messages exchanged between clients and
// the session gateway.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

var ErrInvalidIntent = errors.New("invalid intent")

type Type string

// Client to server.
const (
	TypeJoinList     Type = "join-list"
	TypeLeaveList    Type = "leave-list"
	TypeCreateItem   Type = "create-item"
	TypeUpdateItem   Type = "update-item"
	TypeToggleItem   Type = "toggle-item"
	TypeDeleteItem   Type = "delete-item"
	TypeReorderItem  Type = "reorder-item"
	TypeSetTyping    Type = "set-typing"
	TypeSetSelecting Type = "set-selecting"
)

// Server to client.
const (
	TypeItemCreated      Type = "item-created"
	TypeItemUpdated      Type = "item-updated"
	TypeItemDeleted      Type = "item-deleted"
	TypeItemReordered    Type = "item-reordered"
	TypeItemConflict     Type = "item-conflict"
	TypePresenceJoined   Type = "presence-joined"
	TypePresenceLeft     Type = "presence-left"
	TypePresenceSnapshot Type = "presence-snapshot"
	TypeTypingChanged    Type = "typing-changed"
	TypeSelectingChanged Type = "selecting-changed"
	TypeOperationAck     Type = "operation-ack"
	TypeError            Type = "error"
)

// Error codes carried by Error and OperationAck.
const (
	CodeInvalidIntent   = "invalid_intent"
	CodeNotInRoom       = "not_in_room"
	CodeNotFound        = "not_found"
	CodeVersionConflict = "version_conflict"
	CodeStorageError    = "storage_error"
	CodeSlowConsumer    = "slow_consumer"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type        Type            `json:"type"`
	OperationID string          `json:"operationId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into an envelope. Payloads are plain structs, so
// an encoding failure is reported as an error frame instead.
func NewMessage(t Type, operationID string, payload any) Message {
	msg := Message{Type: t, OperationID: operationID}
	if payload == nil {
		return msg
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(Error{Code: "encode_failed", Message: fmt.Sprintf("encode %s: %v", t, err)})
		msg.Type = TypeError
	}
	msg.Payload = raw
	return msg
}

func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, &ValidationError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	msg.Type = Type(strings.TrimSpace(string(msg.Type)))
	if msg.Type == "" {
		return Message{}, &ValidationError{Err: errors.New("message type is required")}
	}
	return msg, nil
}

// DecodePayload unmarshals the payload of msg into T.
func DecodePayload[T any](msg Message) (T, error) {
	var out T
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, &ValidationError{Type: msg.Type, Err: err}
	}
	return out, nil
}

type ValidationError struct {
	Type Type
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid message: %v", e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidIntent
}

type JoinList struct {
	ListID      string `json:"listId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type LeaveList struct {
	ListID string `json:"listId"`
	UserID string `json:"userId,omitempty"`
}

type CreateItem struct {
	ListID      string           `json:"listId"`
	Title       string           `json:"title"`
	Priority    records.Priority `json:"priority,omitempty"`
	Description *string          `json:"description,omitempty"`
	DueDate     *time.Time       `json:"dueDate,omitempty"`
	AssigneeID  *string          `json:"assigneeId,omitempty"`
	CreatedBy   string           `json:"createdBy"`
}

type UpdateItem struct {
	ItemID          string             `json:"itemId"`
	FieldDelta      records.FieldDelta `json:"fieldDelta"`
	ExpectedVersion *int64             `json:"expectedVersion,omitempty"`
	EditedBy        string             `json:"editedBy,omitempty"`
}

type ToggleItem struct {
	ItemID          string `json:"itemId"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	EditedBy        string `json:"editedBy,omitempty"`
}

type DeleteItem struct {
	ItemID          string `json:"itemId"`
	ListID          string `json:"listId"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type ReorderItem struct {
	ItemID      string `json:"itemId"`
	ListID      string `json:"listId"`
	NewPosition int    `json:"newPosition"`
	EditedBy    string `json:"editedBy,omitempty"`
}

type SetTyping struct {
	ListID   string `json:"listId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type SetSelecting struct {
	ListID string  `json:"listId"`
	UserID string  `json:"userId,omitempty"`
	ItemID *string `json:"itemId"`
}

type ItemDeleted struct {
	ItemID string `json:"itemId"`
	ListID string `json:"listId"`
}

// ConflictRecord tells a room that a write lost to a concurrent one.
type ConflictRecord struct {
	ItemID        string       `json:"itemId"`
	ClientVersion int64        `json:"clientVersion"`
	ServerVersion int64        `json:"serverVersion"`
	ServerData    records.Item `json:"serverData"`
	Message       string       `json:"message"`
}

type PresenceJoined struct {
	ListID    string         `json:"listId"`
	Presence  rooms.Presence `json:"presence"`
	UserCount int            `json:"userCount"`
}

type PresenceLeft struct {
	ListID    string `json:"listId"`
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
}

type PresenceSnapshot struct {
	ListID string           `json:"listId"`
	Users  []rooms.Presence `json:"users"`
}

type TypingChanged struct {
	ListID   string `json:"listId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type SelectingChanged struct {
	ListID string  `json:"listId"`
	UserID string  `json:"userId"`
	ItemID *string `json:"itemId"`
}

type OperationAck struct {
	OperationID string `json:"operationId"`
	Success     bool   `json:"success"`
	ItemID      string `json:"itemId,omitempty"`
	Version     int64  `json:"version,omitempty"`
	Code        string `json:"code,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

type Error struct {
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
	OperationID string `json:"operationId,omitempty"`
}
