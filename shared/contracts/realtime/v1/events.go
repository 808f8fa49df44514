package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is any typed protocol event. EventType returns the wire type name.
type Event interface {
	EventType() string
}

// ClientEvent is an event the client sends to the server.
type ClientEvent interface {
	Event
	clientEvent()
}

// ServerEvent is an event the server pushes to the client.
type ServerEvent interface {
	Event
	serverEvent()
}

// ---- client -> server ----

// Authenticate binds the connection to UserID.
type Authenticate struct {
	UserID int64 `json:"userId"`
}

// JoinConversation subscribes to a conversation room.
type JoinConversation struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// LeaveConversation unsubscribes from a room. It is encoded as the bare id.
type LeaveConversation struct {
	ConversationID int64
}

func (e LeaveConversation) MarshalJSON() ([]byte, error) { return json.Marshal(e.ConversationID) }

func (e *LeaveConversation) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &e.ConversationID)
}

// SendMessage is the best-effort push of a new message.
type SendMessage struct {
	ConversationID int64  `json:"conversationId"`
	Text           string `json:"text"`
	UserID         int64  `json:"userId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Typing carries the sender's typing state for a conversation.
type Typing struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
	UserID         int64 `json:"userId"`
}

// GetConversation asks the server to push ConversationData.
type GetConversation struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// MarkRead marks a message as read by the connection's user.
type MarkRead struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

func (Authenticate) EventType() string      { return TypeAuthenticate }
func (JoinConversation) EventType() string  { return TypeJoinConversation }
func (LeaveConversation) EventType() string { return TypeLeaveConversation }
func (SendMessage) EventType() string       { return TypeSendMessage }
func (Typing) EventType() string            { return TypeTyping }
func (GetConversation) EventType() string   { return TypeGetConversation }
func (MarkRead) EventType() string          { return TypeMessageRead }

func (Authenticate) clientEvent()      {}
func (JoinConversation) clientEvent()  {}
func (LeaveConversation) clientEvent() {}
func (SendMessage) clientEvent()       {}
func (Typing) clientEvent()            {}
func (GetConversation) clientEvent()   {}
func (MarkRead) clientEvent()          {}

// ---- server -> client ----

// Authenticated acknowledges Authenticate.
type Authenticated struct {
	UserID int64 `json:"userId"`
}

// AuthenticationError reports a rejected (or timed out) binding.
type AuthenticationError struct {
	Message string `json:"message"`
}

// NewMessage pushes a stored message for a conversation.
type NewMessage struct {
	ConversationID int64       `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// UserTyping relays another user's typing state.
type UserTyping struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

// UserStatusChange reports a user going online or offline.
type UserStatusChange struct {
	UserID   int64 `json:"userId"`
	IsOnline bool  `json:"isOnline"`
}

// ConversationCreated announces a newly created conversation.
type ConversationCreated struct {
	Conversation ConversationRecord `json:"conversation"`
}

// ConversationJoined confirms a join request.
type ConversationJoined struct {
	ConversationID int64 `json:"conversationId"`
}

// ConversationData answers GetConversation.
type ConversationData struct {
	Conversation ConversationRecord `json:"conversation"`
}

// MessageRead relays a read receipt.
type MessageRead struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

// OperationError is a non-fatal failure of a specific action.
type OperationError struct {
	Message string `json:"message"`
}

func (Authenticated) EventType() string       { return TypeAuthenticated }
func (AuthenticationError) EventType() string { return TypeAuthenticationError }
func (NewMessage) EventType() string          { return TypeNewMessage }
func (UserTyping) EventType() string          { return TypeUserTyping }
func (UserStatusChange) EventType() string    { return TypeUserStatusChange }
func (ConversationCreated) EventType() string { return TypeConversationCreated }
func (ConversationJoined) EventType() string  { return TypeConversationJoined }
func (ConversationData) EventType() string    { return TypeConversationData }
func (MessageRead) EventType() string         { return TypeMessageRead }
func (OperationError) EventType() string      { return TypeOperationError }

func (Authenticated) serverEvent()       {}
func (AuthenticationError) serverEvent() {}
func (NewMessage) serverEvent()          {}
func (UserTyping) serverEvent()          {}
func (UserStatusChange) serverEvent()    {}
func (ConversationCreated) serverEvent() {}
func (ConversationJoined) serverEvent()  {}
func (ConversationData) serverEvent()    {}
func (MessageRead) serverEvent()         {}
func (OperationError) serverEvent()      {}

// ---- envelope codec ----

// NewEnvelope wraps ev into a versioned envelope.
func NewEnvelope(ev Event, id string, ts time.Time) (Envelope, error) {
	if ev == nil {
		return Envelope{}, errors.New("nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
	}
	return Envelope{
		V:       Version,
		Type:    ev.EventType(),
		ID:      id,
		TS:      ts,
		Payload: payload,
	}, nil
}

// DecodeServerEvent validates env and decodes its payload into the matching ServerEvent.
func DecodeServerEvent(env Envelope) (ServerEvent, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAuthenticated:
		return decodeServer[Authenticated](env)
	case TypeAuthenticationError:
		return decodeServer[AuthenticationError](env)
	case TypeNewMessage:
		return decodeServer[NewMessage](env)
	case TypeUserTyping:
		return decodeServer[UserTyping](env)
	case TypeUserStatusChange:
		return decodeServer[UserStatusChange](env)
	case TypeConversationCreated:
		return decodeServer[ConversationCreated](env)
	case TypeConversationJoined:
		return decodeServer[ConversationJoined](env)
	case TypeConversationData:
		return decodeServer[ConversationData](env)
	case TypeMessageRead:
		return decodeServer[MessageRead](env)
	case TypeOperationError:
		return decodeServer[OperationError](env)
	default:
		return nil, fmt.Errorf("not a server event: %q", env.Type)
	}
}

// DecodeClientEvent validates env and decodes its payload into the matching ClientEvent.
func DecodeClientEvent(env Envelope) (ClientEvent, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAuthenticate:
		return decodeClient[Authenticate](env)
	case TypeJoinConversation:
		return decodeClient[JoinConversation](env)
	case TypeLeaveConversation:
		return decodeClient[LeaveConversation](env)
	case TypeSendMessage:
		return decodeClient[SendMessage](env)
	case TypeTyping:
		return decodeClient[Typing](env)
	case TypeGetConversation:
		return decodeClient[GetConversation](env)
	case TypeMessageRead:
		return decodeClient[MarkRead](env)
	default:
		return nil, fmt.Errorf("not a client event: %q", env.Type)
	}
}

func decodeServer[T ServerEvent](env Envelope) (ServerEvent, error) {
	v, err := decode[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeClient[T ClientEvent](env Envelope) (ClientEvent, error) {
	v, err := decode[T](env)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decode[T Event](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return v, nil
}
