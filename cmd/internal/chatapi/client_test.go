package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"convsync/cmd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var participant = session.Session{ID: 42, Role: session.RoleParticipant}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL + "/api/")
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req SubmitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, SubmitRequest{
			ConversationID: 7,
			Text:           "hi",
			UserID:         42,
			UserRole:       "PARTICIPANT",
			ClientMsgID:    "01J0000000000000000000000A",
		}, req)

		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"data":    map[string]any{"id": 101, "text": "hi", "createdAt": at},
		})
	})

	got, err := c.SubmitMessage(context.Background(), SubmitRequest{
		ConversationID: 7,
		Text:           "  hi ",
		UserID:         42,
		UserRole:       "PARTICIPANT",
		ClientMsgID:    "01J0000000000000000000000A",
	})
	require.NoError(t, err)
	require.Equal(t, Submitted{ID: 101, Text: "hi", CreatedAt: at}, got)
}

func TestSubmitMessage_MissingID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"data":    map[string]any{"text": "hi"},
		})
	})

	_, err := c.SubmitMessage(context.Background(), SubmitRequest{
		ConversationID: 7,
		Text:           "hi",
		UserID:         42,
		UserRole:       "PARTICIPANT",
	})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestSubmitMessage_Validation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request must not be sent: %s", r.URL.Path)
	})

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "empty text", req: SubmitRequest{ConversationID: 1, Text: "   ", UserID: 1, UserRole: "ADMIN"}},
		{name: "no conversation", req: SubmitRequest{Text: "x", UserID: 1, UserRole: "ADMIN"}},
		{name: "bad role", req: SubmitRequest{ConversationID: 1, Text: "x", UserID: 1, UserRole: "GUEST"}},
		{name: "bad client id", req: SubmitRequest{ConversationID: 1, Text: "x", UserID: 1, UserRole: "ADMIN", ClientMsgID: "short"}},
		{name: "too long", req: SubmitRequest{ConversationID: 1, Text: strings.Repeat("a", maxMessageChars+1), UserID: 1, UserRole: "ADMIN"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.SubmitMessage(context.Background(), tc.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestSubmitMessage_FailureEnvelope(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "conversation closed"})
	})

	_, err := c.SubmitMessage(context.Background(), SubmitRequest{ConversationID: 1, Text: "x", UserID: 1, UserRole: "ADMIN"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusOK, apiErr.Status)
	require.Equal(t, "conversation closed", apiErr.Message)
}

func TestSubmitMessage_NonJSONError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.SubmitMessage(context.Background(), SubmitRequest{ConversationID: 1, Text: "x", UserID: 1, UserRole: "ADMIN"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestFetchConversation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/7", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("userId"))
		assert.Equal(t, "PARTICIPANT", r.URL.Query().Get("userRole"))
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"id":     7,
				"userId": 42,
				"messages": []map[string]any{
					{"id": 1, "Text": "legacy", "senderId": 42, "senderRole": "PARTICIPANT"},
					{"id": 2, "text": "new", "sender": map[string]any{"id": 1, "role": "ADMIN"}},
				},
			},
		})
	})

	conv, err := c.FetchConversation(context.Background(), participant, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), conv.ID)
	require.Equal(t, int64(42), conv.ParticipantID)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "legacy", conv.Messages[0].Text)
	require.Equal(t, int64(1), conv.Messages[1].SenderID)
	require.Equal(t, "ADMIN", conv.Messages[1].SenderRole)

	_, err = c.FetchConversation(context.Background(), participant, 0)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListAndUserConversation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/conversations":
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]any{{"id": 1}, {"id": 2}}})
		case "/api/chat/conversations/user/42":
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"id": 3, "userId": 42}})
		default:
			http.NotFound(w, r)
		}
	})

	list, err := c.ListConversations(context.Background(), participant)
	require.NoError(t, err)
	require.Len(t, list, 2)

	own, err := c.FetchUserConversation(context.Background(), participant)
	require.NoError(t, err)
	require.Equal(t, int64(3), own.ID)

	_, err = c.ListConversations(context.Background(), session.Session{})
	require.ErrorIs(t, err, session.ErrInvalidSession)
}

func TestCreateConversation_Existing(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "conflict",
			"message": "Existing conversation found",
			"data":    map[string]any{"id": 12},
		})
	})

	conv, err := c.CreateConversation(context.Background(), participant)
	require.ErrorIs(t, err, ErrExistingConversation)
	require.Equal(t, int64(12), conv.ID)
}

func TestCreateConversation_OK(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, createRequest{UserID: 42, UserRole: "PARTICIPANT"}, req)
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]any{"id": 13, "userId": 42}})
	})

	conv, err := c.CreateConversation(context.Background(), participant)
	require.NoError(t, err)
	require.Equal(t, int64(13), conv.ID)
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := New("ftp://example.com")
	require.Error(t, err)
}
