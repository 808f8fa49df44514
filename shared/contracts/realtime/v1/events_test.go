package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeNewMessage}},
		{name: "missing version", env: Envelope{Type: TypeNewMessage}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeNewMessage}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "reconnect"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestLeaveConversation_EncodesBareID(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(LeaveConversation{ConversationID: 42}, "e1", time.Now().UTC())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if string(env.Payload) != "42" {
		t.Fatalf("payload=%s want=42", env.Payload)
	}

	ev, err := DecodeClientEvent(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	leave, ok := ev.(LeaveConversation)
	if !ok || leave.ConversationID != 42 {
		t.Fatalf("decoded=%#v", ev)
	}
}

func TestDecodeServerEvent_RejectsClientTypes(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(Typing{ConversationID: 1, IsTyping: true, UserID: 2}, "e2", time.Now().UTC())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if _, err := DecodeServerEvent(env); err == nil {
		t.Fatalf("expected typing to be rejected as a server event")
	}
}

func TestDecodeServerEvent_MissingPayload(t *testing.T) {
	t.Parallel()

	ev, err := DecodeServerEvent(Envelope{V: Version, Type: TypeAuthenticated})
	if err == nil {
		t.Fatalf("expected missing payload error")
	}
	if ev != nil {
		t.Fatalf("expected nil event on error, got %#v", ev)
	}
}

func TestWireMessage_LegacySpellings(t *testing.T) {
	t.Parallel()

	raw := `{"conversationId":7,"message":{"id":101,"Text":"hi","createdAt":"2024-01-02T03:04:05Z","sender":{"id":9,"role":"ADMIN"}}}`
	env := Envelope{V: Version, Type: TypeNewMessage, Payload: json.RawMessage(raw)}

	ev, err := DecodeServerEvent(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	nm, ok := ev.(NewMessage)
	if !ok {
		t.Fatalf("expected NewMessage, got %T", ev)
	}
	if nm.ConversationID != 7 || nm.Message.ID != 101 {
		t.Fatalf("ids: %#v", nm)
	}
	if nm.Message.Text != "hi" {
		t.Fatalf("text=%q want hi", nm.Message.Text)
	}
	if nm.Message.SenderID != 9 || nm.Message.SenderRole != RoleAdmin {
		t.Fatalf("sender: id=%d role=%q", nm.Message.SenderID, nm.Message.SenderRole)
	}
	if nm.Message.CreatedAt.IsZero() {
		t.Fatalf("createdAt not decoded")
	}
}

func TestWireMessage_PrefersCanonicalFields(t *testing.T) {
	t.Parallel()

	var m WireMessage
	raw := `{"id":1,"text":"new","Text":"old","senderId":3,"senderRole":"PARTICIPANT","sender":{"id":4,"role":"ADMIN"},"clientMsgId":"tmp-1"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Text != "new" || m.SenderID != 3 || m.SenderRole != RoleParticipant || m.ClientMsgID != "tmp-1" {
		t.Fatalf("got %#v", m)
	}
}
