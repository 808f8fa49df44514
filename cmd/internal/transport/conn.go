package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// HeaderUserID carries the handshake credential on the upgrade request.
const HeaderUserID = "X-User-ID"

// Conn is one physical duplex connection.
// Read is only called from a single goroutine; the other methods may be concurrent.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens connections on behalf of userID.
type Dialer interface {
	Dial(ctx context.Context, userID int64) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, userID int64) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, userID int64) (Conn, error) { return f(ctx, userID) }

// WebSocketDialer dials the realtime endpoint with github.com/coder/websocket.
type WebSocketDialer struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial opens a WebSocket carrying userID both as a header and a query parameter.
func (d WebSocketDialer) Dial(ctx context.Context, userID int64) (Conn, error) {
	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: unsupported scheme: %q", u.Scheme)
	}

	id := strconv.FormatInt(userID, 10)
	q := u.Query()
	q.Set("userId", id)
	u.RawQuery = q.Encode()

	h := d.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderUserID, id)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   d.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("transport: subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}
	conn.SetReadLimit(limit)

	return &wsConn{c: conn}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error { return w.c.Ping(ctx) }

func (w *wsConn) Close(reason string) error {
	err := w.c.Close(websocket.StatusNormalClosure, reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

// closeReason turns a read error into a short disconnect reason.
func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	if st := websocket.CloseStatus(err); st != -1 {
		return "peer closed: " + st.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "read timeout"
	}
	return "read failed: " + err.Error()
}
