// Package main provides a CI-friendly WebSocket smoke test for the conversation realtime server.
//
// It validates:
//   - handshake + subprotocol selection
//   - authenticate/authenticated binding
//   - join_conversation for two users
//   - send_message -> new_message fanout, with clientMsgId echo when supported
//   - typing -> user_typing relay
//   - leave_conversation stops fanout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"convsync/cmd/identity/ids"
	v1 "convsync/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID int64
	conn   *websocket.Conn

	inbox chan v1.ServerEvent
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		userA   = flag.Int64("user-a", 1, "sender user id")
		userB   = flag.Int64("user-b", 2, "receiver user id")
		convID  = flag.Int64("conv", 1, "conversation id both users join")
		text    = flag.String("text", "hello convsync", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *userA <= 0 || *userB <= 0 || *userA == *userB {
		fatalf("-user-a and -user-b must be distinct positive ids")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *userA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *userB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("authenticated: A=%d B=%d\n", a.userID, b.userID)
	}

	a.mustSend(root, v1.JoinConversation{ConversationID: *convID, UserID: a.userID}, *timeout)
	b.mustSend(root, v1.JoinConversation{ConversationID: *convID, UserID: b.userID}, *timeout)
	// Give the server a moment to register both rooms before fanout.
	time.Sleep(200 * time.Millisecond)

	clientMsgID := newID()
	a.mustSend(root, v1.SendMessage{ConversationID: *convID, Text: *text, UserID: a.userID, ClientMsgID: clientMsgID}, *timeout)

	got := mustReadUntil[v1.NewMessage](root, b, *timeout)
	if got.ConversationID != *convID || got.Message.Text != *text {
		fatalf("new_message mismatch: conv=%d text=%q", got.ConversationID, got.Message.Text)
	}
	if got.Message.ClientMsgID != "" && got.Message.ClientMsgID != clientMsgID {
		fatalf("clientMsgId mismatch: got=%q want=%q", got.Message.ClientMsgID, clientMsgID)
	}
	if *verbose {
		fmt.Printf("fanout: id=%d clientMsgId=%q\n", got.Message.ID, got.Message.ClientMsgID)
	}

	a.mustSend(root, v1.Typing{ConversationID: *convID, IsTyping: true, UserID: a.userID}, *timeout)
	typing := mustReadUntil[v1.UserTyping](root, b, *timeout)
	if typing.UserID != a.userID || !typing.IsTyping {
		fatalf("user_typing mismatch: %+v", typing)
	}
	a.mustSend(root, v1.Typing{ConversationID: *convID, IsTyping: false, UserID: a.userID}, *timeout)

	b.mustSend(root, v1.LeaveConversation{ConversationID: *convID}, *timeout)
	time.Sleep(200 * time.Millisecond)
	a.mustSend(root, v1.SendMessage{ConversationID: *convID, Text: *text + " (after leave)", UserID: a.userID, ClientMsgID: newID()}, *timeout)
	mustAssertNo[v1.NewMessage](root, b, 1200*time.Millisecond)

	fmt.Printf("OK: A=%d B=%d conv_id=%d message_id=%d\n", a.userID, b.userID, *convID, got.Message.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL string, userID int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("userId", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("X-User-ID", strconv.FormatInt(userID, 10))

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.ServerEvent, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	c.mustSend(parent, v1.Authenticate{UserID: userID}, stepTimeout)
	ack := mustReadUntil[v1.Authenticated](parent, c, stepTimeout)
	if ack.UserID != 0 && ack.UserID != userID {
		fatalf("authenticated for wrong user (%s): got=%d want=%d", name, ack.UserID, userID)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			ev, err := v1.DecodeServerEvent(env)
			if err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- ev:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustSend(parent context.Context, ev v1.ClientEvent, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env, err := v1.NewEnvelope(ev, newID(), time.Now().UTC())
	if err != nil {
		fatalf("envelope %s: %v", ev.EventType(), err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", ev.EventType(), c.name, err)
	}
}

// mustReadUntil skips unrelated events (presence, joins) until an E arrives.
// An operation_error or authentication_error fails the run.
func mustReadUntil[E v1.ServerEvent](parent context.Context, c *smokeClient, stepTimeout time.Duration) E {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var zero E
	want := zero.EventType()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			switch e := ev.(type) {
			case E:
				return e
			case v1.OperationError:
				fatalf("operation error (%s): %s", c.name, e.Message)
			case v1.AuthenticationError:
				fatalf("authentication error (%s): %s", c.name, e.Message)
			}
		}
	}
}

func mustAssertNo[E v1.ServerEvent](parent context.Context, c *smokeClient, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	var zero E
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.inbox:
			if !ok {
				return
			}
			if _, bad := ev.(E); bad {
				fatalf("unexpected %q (%s)", zero.EventType(), c.name)
			}
		}
	}
}

func newID() string {
	id, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("ulid: %v", err)
	}
	return id
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
