// Package v1 defines the conversation realtime protocol v1 contract.
//
// It is shared between the sync client, the smoke tool and test servers so the
// wire shape has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "convsync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate binds the connection to a user id (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthenticated acknowledges the binding (server -> client).
	TypeAuthenticated = "authenticated"
	// TypeAuthenticationError rejects the binding (server -> client).
	TypeAuthenticationError = "authentication_error"

	// TypeJoinConversation subscribes the connection to a conversation room (client -> server).
	TypeJoinConversation = "join_conversation"
	// TypeLeaveConversation unsubscribes from a room; payload is the bare id (client -> server).
	TypeLeaveConversation = "leave_conversation"
	// TypeConversationJoined confirms a join (server -> client).
	TypeConversationJoined = "conversation_joined"

	// TypeSendMessage is the best-effort low latency push path (client -> server).
	TypeSendMessage = "send_message"
	// TypeNewMessage pushes a durably stored message (server -> room members).
	TypeNewMessage = "new_message"

	// TypeTyping is the ephemeral typing signal (client -> server).
	TypeTyping = "typing"
	// TypeUserTyping relays another user's typing signal (server -> client).
	TypeUserTyping = "user_typing"
	// TypeUserStatusChange reports presence changes (server -> client).
	TypeUserStatusChange = "user_status_change"

	// TypeConversationCreated announces a new conversation (server -> client).
	TypeConversationCreated = "conversation_created"
	// TypeGetConversation asks the server to push a conversation (client -> server).
	TypeGetConversation = "get_conversation"
	// TypeConversationData answers TypeGetConversation (server -> client).
	TypeConversationData = "conversation_data"

	// TypeMessageRead marks a message read (client -> server) and relays receipts (server -> client).
	TypeMessageRead = "message_read"

	// TypeOperationError is a non-fatal, per-operation failure (server -> client).
	TypeOperationError = "operation_error"
)

// Sender roles carried on messages.
const (
	RoleAdmin       = "ADMIN"
	RoleParticipant = "PARTICIPANT"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeAuthenticated,
		TypeAuthenticationError,
		TypeJoinConversation,
		TypeLeaveConversation,
		TypeConversationJoined,
		TypeSendMessage,
		TypeNewMessage,
		TypeTyping,
		TypeUserTyping,
		TypeUserStatusChange,
		TypeConversationCreated,
		TypeGetConversation,
		TypeConversationData,
		TypeMessageRead,
		TypeOperationError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared payload shapes ----

// WireMessage is a stored message as pushed by the server.
//
// ID is zero when the server did not include one. ClientMsgID echoes the
// sender's temporary key when the server supports it.
type WireMessage struct {
	ID          int64     `json:"id,omitempty"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
	SenderID    int64     `json:"senderId"`
	SenderRole  string    `json:"senderRole"`
}

// UnmarshalJSON accepts the legacy field spellings some servers still emit:
// "Text" for the body and a nested "sender" object for the author.
func (m *WireMessage) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID          int64      `json:"id"`
		ClientMsgID string     `json:"clientMsgId"`
		Text        *string    `json:"text"`
		LegacyText  *string    `json:"Text"`
		CreatedAt   *time.Time `json:"createdAt"`
		SenderID    *int64     `json:"senderId"`
		SenderRole  *string    `json:"senderRole"`
		Sender      *struct {
			ID   int64  `json:"id"`
			Role string `json:"role"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := WireMessage{ID: raw.ID, ClientMsgID: raw.ClientMsgID}
	switch {
	case raw.Text != nil && *raw.Text != "":
		out.Text = *raw.Text
	case raw.LegacyText != nil:
		out.Text = *raw.LegacyText
	}
	if raw.CreatedAt != nil {
		out.CreatedAt = *raw.CreatedAt
	}
	if raw.SenderID != nil {
		out.SenderID = *raw.SenderID
	} else if raw.Sender != nil {
		out.SenderID = raw.Sender.ID
	}
	if raw.SenderRole != nil {
		out.SenderRole = *raw.SenderRole
	} else if raw.Sender != nil {
		out.SenderRole = raw.Sender.Role
	}

	*m = out
	return nil
}

// ConversationRecord is a conversation as carried by push events.
type ConversationRecord struct {
	ID            int64         `json:"id"`
	ParticipantID int64         `json:"userId"`
	Messages      []WireMessage `json:"messages,omitempty"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
}
