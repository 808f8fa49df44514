// Package chatapi is the HTTP client for the durable chat endpoints: message
// submit and the conversation reads and create used by the controller.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"convsync/cmd/internal/session"
	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/go-playground/validator/v10"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 4 << 20
	// Max message text length (runes).
	maxMessageChars = 4000
)

var (
	// ErrInvalidRequest is returned when a request fails validation before it is sent.
	ErrInvalidRequest = errors.New("chatapi: invalid request")

	// ErrExistingConversation is returned by CreateConversation when the caller
	// already has a conversation. The returned Conversation carries its id.
	ErrExistingConversation = errors.New("chatapi: existing conversation found")

	// ErrMalformedResponse is returned when a successful response lacks a required field.
	ErrMalformedResponse = errors.New("chatapi: malformed response")
)

// APIError is a failure reported by the collaborator.
type APIError struct {
	Status  int
	Message string
	// Detail is the informational "message" field, when the server sent one.
	Detail string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatapi: status %d", e.Status)
	}
	return fmt.Sprintf("chatapi: status %d: %s", e.Status, e.Message)
}

// envelope is the collaborator's uniform response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubmitRequest is the durable write of one message.
type SubmitRequest struct {
	ConversationID int64  `json:"convoId" validate:"gt=0"`
	Text           string `json:"text" validate:"required"`
	UserID         int64  `json:"userId" validate:"gt=0"`
	UserRole       string `json:"userRole" validate:"oneof=ADMIN PARTICIPANT"`
	ClientMsgID    string `json:"clientMsgId,omitempty" validate:"omitempty,len=26"`
}

// Submitted is the stored message as returned by the submit endpoint.
type Submitted struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is one conversation as returned by the read endpoints.
type Conversation = v1.ConversationRecord

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	log      *slog.Logger
	validate *validator.Validate
}

// New builds a Client rooted at baseURL, e.g. "https://api.example.com".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("chatapi: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chatapi: unsupported scheme: %q", u.Scheme)
	}

	c := &Client{
		base:     u,
		http:     &http.Client{Timeout: defaultTimeout},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitMessage stores a message. It is the only source of a confirmed id.
func (c *Client) SubmitMessage(ctx context.Context, req SubmitRequest) (Submitted, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := c.check(req); err != nil {
		return Submitted{}, err
	}
	if n := len([]rune(req.Text)); n > maxMessageChars {
		return Submitted{}, fmt.Errorf("%w: text has %d chars, max %d", ErrInvalidRequest, n, maxMessageChars)
	}

	var out envelope[Submitted]
	if err := c.do(ctx, http.MethodPost, "/chat/messages", nil, req, &out); err != nil {
		return Submitted{}, err
	}
	if out.Data.ID <= 0 {
		return Submitted{}, fmt.Errorf("%w: submit returned no message id", ErrMalformedResponse)
	}
	if out.Data.Text == "" {
		out.Data.Text = req.Text
	}
	if out.Data.CreatedAt.IsZero() {
		out.Data.CreatedAt = time.Now().UTC()
	}
	return out.Data, nil
}

// ListConversations returns every conversation visible to the session.
func (c *Client) ListConversations(ctx context.Context, sess session.Session) ([]Conversation, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	var out envelope[[]Conversation]
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", sessionQuery(sess), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// FetchConversation returns one conversation with its messages.
func (c *Client) FetchConversation(ctx context.Context, sess session.Session, conversationID int64) (Conversation, error) {
	if err := sess.Validate(); err != nil {
		return Conversation{}, err
	}
	if conversationID <= 0 {
		return Conversation{}, fmt.Errorf("%w: conversation id %d", ErrInvalidRequest, conversationID)
	}
	var out envelope[Conversation]
	path := "/chat/conversations/" + strconv.FormatInt(conversationID, 10)
	if err := c.do(ctx, http.MethodGet, path, sessionQuery(sess), nil, &out); err != nil {
		return Conversation{}, err
	}
	if out.Data.ID == 0 {
		out.Data.ID = conversationID
	}
	return out.Data, nil
}

// FetchUserConversation returns the session user's own conversation.
func (c *Client) FetchUserConversation(ctx context.Context, sess session.Session) (Conversation, error) {
	if err := sess.Validate(); err != nil {
		return Conversation{}, err
	}
	var out envelope[Conversation]
	path := "/chat/conversations/user/" + strconv.FormatInt(sess.ID, 10)
	if err := c.do(ctx, http.MethodGet, path, sessionQuery(sess), nil, &out); err != nil {
		return Conversation{}, err
	}
	return out.Data, nil
}

type createRequest struct {
	UserID   int64  `json:"userId" validate:"gt=0"`
	UserRole string `json:"userRole" validate:"oneof=ADMIN PARTICIPANT"`
}

// CreateConversation starts the session user's conversation. When one already
// exists the error wraps ErrExistingConversation and the result carries its id.
func (c *Client) CreateConversation(ctx context.Context, sess session.Session) (Conversation, error) {
	req := createRequest{UserID: sess.ID, UserRole: string(sess.Role)}
	if err := c.check(req); err != nil {
		return Conversation{}, err
	}

	var out envelope[Conversation]
	err := c.do(ctx, http.MethodPost, "/chat/conversations", nil, req, &out)
	if err == nil {
		return out.Data, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && (isExisting(apiErr.Message) || isExisting(apiErr.Detail)) && out.Data.ID != 0 {
		return out.Data, fmt.Errorf("%w: id %d", ErrExistingConversation, out.Data.ID)
	}
	return Conversation{}, err
}

func isExisting(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "existing conversation found")
}

func (c *Client) check(v any) error {
	if err := c.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRequest, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func sessionQuery(sess session.Session) url.Values {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(sess.ID, 10))
	q.Set("userRole", string(sess.Role))
	return q
}

// do sends one request and decodes the uniform envelope into out. A response
// with success=false is an *APIError even when the status is 2xx; out is still
// filled so callers can read data attached to the failure.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chatapi: encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("chatapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("chatapi.request.fail", "method", method, "path", path, "err", err)
		return fmt.Errorf("chatapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("chatapi: read body: %w", err)
	}
	c.log.Debug("chatapi.request", "method", method, "path", path, "status", resp.StatusCode, "dur_ms", time.Since(start).Milliseconds())

	var head struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("chatapi: decode response: %w", err)
	}
	decodeErr := json.Unmarshal(raw, out)

	if resp.StatusCode >= 300 || !head.Success {
		msg := head.Error
		if msg == "" {
			msg = head.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Detail: head.Message}
	}
	if decodeErr != nil {
		return fmt.Errorf("chatapi: decode response: %w", decodeErr)
	}
	return nil
}
