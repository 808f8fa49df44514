package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer speaks the realtime protocol: it acknowledges authenticate and
// answers send_message with new_message.
func echoServer(t *testing.T, subprotocols []string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(transport.HeaderUserID) == "" || r.URL.Query().Get("userId") == "" {
			http.Error(w, "missing user", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: subprotocols})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		var nextID int64 = 100
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}
			ev, err := v1.DecodeClientEvent(env)
			if err != nil {
				return
			}

			var reply v1.ServerEvent
			switch e := ev.(type) {
			case v1.Authenticate:
				if strconv.FormatInt(e.UserID, 10) != r.Header.Get(transport.HeaderUserID) {
					reply = v1.AuthenticationError{Message: "id mismatch"}
				} else {
					reply = v1.Authenticated{UserID: e.UserID}
				}
			case v1.SendMessage:
				nextID++
				reply = v1.NewMessage{ConversationID: e.ConversationID, Message: v1.WireMessage{
					ID:          nextID,
					ClientMsgID: e.ClientMsgID,
					Text:        e.Text,
					CreatedAt:   time.Now().UTC(),
					SenderID:    e.UserID,
					SenderRole:  v1.RoleParticipant,
				}}
			default:
				continue
			}

			out, err := v1.NewEnvelope(reply, "", time.Now().UTC())
			if err != nil {
				return
			}
			b, _ := json.Marshal(out)
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestWebSocketDialer_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, []string{v1.Subprotocol})
	t.Cleanup(srv.Close)

	tr := transport.New(fastConfig(), transport.WebSocketDialer{URL: wsURL(srv.URL)})
	t.Cleanup(tr.Disconnect)

	got := make(chan v1.NewMessage, 1)
	transport.On(tr, func(ev v1.NewMessage) { got <- ev })

	require.NoError(t, tr.Connect(participant))
	waitState(t, tr, transport.StateAuthenticated)

	require.NoError(t, tr.Emit(v1.SendMessage{ConversationID: 7, Text: "hi", UserID: 42, ClientMsgID: "tmp-1"}))

	select {
	case ev := <-got:
		require.Equal(t, int64(7), ev.ConversationID)
		require.Equal(t, int64(101), ev.Message.ID)
		require.Equal(t, "hi", ev.Message.Text)
		require.Equal(t, "tmp-1", ev.Message.ClientMsgID)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestWebSocketDialer_RequiresSubprotocol(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, nil)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.WebSocketDialer{URL: wsURL(srv.URL)}.Dial(ctx, 42)
	require.Error(t, err)
	require.Contains(t, err.Error(), "subprotocol")
}

func TestWebSocketDialer_RejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := transport.WebSocketDialer{URL: "http://example.invalid/ws"}.Dial(context.Background(), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported scheme")
}
