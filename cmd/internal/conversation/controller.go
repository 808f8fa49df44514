// Package conversation is the facade a view talks to. It composes the
// transport, room membership, message reconciliation and presence behind a
// small set of operations that never panic and always return a Result.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"convsync/cmd/internal/chatapi"
	"convsync/cmd/internal/membership"
	"convsync/cmd/internal/presence"
	"convsync/cmd/internal/reconcile"
	"convsync/cmd/internal/session"
	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"
)

// Realtime is the slice of the transport the controller uses.
type Realtime interface {
	transport.Subscriber
	State() transport.State
	UserID() int64
	Emit(ev v1.ClientEvent) error
	Connect(sess session.Session) error
	Disconnect()
	OnSessionEnd(fn func()) (cancel func())
}

// API is the durable collaborator.
type API interface {
	SubmitMessage(ctx context.Context, req chatapi.SubmitRequest) (chatapi.Submitted, error)
	ListConversations(ctx context.Context, sess session.Session) ([]chatapi.Conversation, error)
	FetchConversation(ctx context.Context, sess session.Session, conversationID int64) (chatapi.Conversation, error)
	FetchUserConversation(ctx context.Context, sess session.Session) (chatapi.Conversation, error)
	CreateConversation(ctx context.Context, sess session.Session) (chatapi.Conversation, error)
}

// Deps are the collaborators of one Controller. Membership is normally shared
// by every controller of the session; Messages and Presence may be.
type Deps struct {
	Realtime   Realtime
	API        API
	Membership *membership.Tracker
	Messages   *reconcile.Reconciler
	Presence   *presence.Tracker
	Log        *slog.Logger
	// Notify receives user-facing notices. It runs on the transport's
	// dispatcher goroutine and must not block.
	Notify func(Notice)
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeAuthentication      NoticeKind = "authentication"
	NoticeOperation           NoticeKind = "operation"
	NoticeDisconnected        NoticeKind = "disconnected"
	NoticeConnectionFailed    NoticeKind = "connection_failed"
	NoticeInboundMessage      NoticeKind = "inbound_message"
	NoticeConversationCreated NoticeKind = "conversation_created"
)

// Notice is something the user should see but that is not the result of a call.
type Notice struct {
	Kind           NoticeKind
	ConversationID int64
	Message        string
}

// View is one conversation as shown to the caller.
type View struct {
	ID       int64
	Messages []reconcile.Message
	Typing   []int64
}

// Controller is safe for concurrent use.
type Controller struct {
	sess     *session.Session
	rt       Realtime
	api      API
	rooms    *membership.Tracker
	messages *reconcile.Reconciler
	presence *presence.Tracker
	log      *slog.Logger
	notify   func(Notice)

	mu      sync.Mutex
	subs    []transport.Subscription
	endHook func()
}

// New builds a Controller for sess. A nil sess models a signed-out caller:
// every operation fails with ErrNotAuthenticated.
func New(sess *session.Session, d Deps) *Controller {
	log := d.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Messages == nil {
		d.Messages = reconcile.New(reconcile.Config{}, reconcile.WithLogger(log))
	}
	if d.Presence == nil {
		d.Presence = presence.New(d.Realtime, presence.WithLogger(log))
	}
	if d.Membership == nil {
		d.Membership = membership.New(d.Realtime, log)
	}

	c := &Controller{
		sess:     sess,
		rt:       d.Realtime,
		api:      d.API,
		rooms:    d.Membership,
		messages: d.Messages,
		presence: d.Presence,
		log:      log,
		notify:   d.Notify,
	}
	return c
}

// Attach subscribes the controller's listeners and makes sure the shared
// connection is up. While attached, a session end also resets the messages,
// presence and rooms the controller reads. Calling it twice is a no-op.
func (c *Controller) Attach() error {
	if c.sess == nil {
		return OpError{Op: "conversation.Attach", Kind: ErrNotAuthenticated}
	}

	c.mu.Lock()
	if len(c.subs) == 0 {
		c.subs = []transport.Subscription{
			transport.On(c.rt, c.onAuthenticated),
			transport.On(c.rt, c.onAuthenticationError),
			transport.On(c.rt, c.onDisconnected),
			transport.On(c.rt, c.onConnectError),
			transport.On(c.rt, c.onOperationError),
			transport.On(c.rt, c.onConversationCreated),
			transport.On(c.rt, c.onConversationData),
			transport.On(c.rt, c.onUserStatusChange),
			transport.On(c.rt, c.onUserTyping),
			transport.On(c.rt, c.onNewMessage),
			transport.On(c.rt, c.onMessageRead),
		}
	}
	if c.endHook == nil {
		c.endHook = c.rt.OnSessionEnd(c.resetSessionState)
	}
	c.mu.Unlock()

	if err := c.rt.Connect(*c.sess); err != nil {
		return OpError{Op: "conversation.Attach", Kind: ErrNotConnected, Err: err}
	}
	return nil
}

// Detach removes the controller's listeners. The shared connection stays up.
func (c *Controller) Detach() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	cancel := c.endHook
	c.endHook = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range subs {
		c.rt.Unsubscribe(s)
	}
}

// EndSession tears the connection down. Call it on logout only.
func (c *Controller) EndSession() {
	c.mu.Lock()
	c.subs = nil
	cancel := c.endHook
	c.endHook = nil
	c.mu.Unlock()

	c.rt.Disconnect()
	if cancel != nil {
		cancel()
	} else {
		c.resetSessionState()
	}
}

// Connected reports whether the connection is authenticated.
func (c *Controller) Connected() bool {
	return c.rt.State() == transport.StateAuthenticated
}

// SendMessage shows the message immediately, pushes it best-effort over the
// connection and submits it durably. A failed submit removes the placeholder.
func (c *Controller) SendMessage(ctx context.Context, conversationID int64, text string) Result[reconcile.Message] {
	const op = "conversation.SendMessage"
	if c.sess == nil {
		return fail[reconcile.Message](op, ErrNotAuthenticated, "please sign in to send messages", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fail[reconcile.Message](op, ErrInvalidInput, "message is empty", nil)
	}
	if conversationID <= 0 {
		return fail[reconcile.Message](op, ErrInvalidInput, "invalid conversation id", nil)
	}

	opt, err := c.messages.AddOptimistic(conversationID, text, c.sess.ID, string(c.sess.Role))
	if err != nil {
		return fail[reconcile.Message](op, ErrSubmitFailed, "temp key", err)
	}

	if c.rt.State().Open() {
		err := c.rt.Emit(v1.SendMessage{
			ConversationID: conversationID,
			Text:           text,
			UserID:         c.sess.ID,
			ClientMsgID:    opt.TempKey,
		})
		if err != nil {
			c.log.Warn("conversation.send.push.fail", "conversation_id", conversationID, "err", err)
		}
	} else {
		c.log.Info("conversation.send.http_only", "conversation_id", conversationID)
	}

	got, err := c.api.SubmitMessage(ctx, chatapi.SubmitRequest{
		ConversationID: conversationID,
		Text:           text,
		UserID:         c.sess.ID,
		UserRole:       string(c.sess.Role),
		ClientMsgID:    opt.TempKey,
	})
	if err != nil {
		c.messages.Rollback(conversationID, opt.TempKey)
		c.log.Warn("conversation.send.fail", "conversation_id", conversationID, "err", err)
		return fail[reconcile.Message](op, ErrSubmitFailed, "failed to send message", err)
	}

	m := c.messages.Confirm(conversationID, opt.TempKey, reconcile.Confirmed{
		ID:        got.ID,
		Text:      got.Text,
		CreatedAt: got.CreatedAt,
	})
	_, _ = c.presence.SetTyping(conversationID, false)
	c.log.Info("conversation.send", "conversation_id", conversationID, "message_id", m.ID)
	return ok(m)
}

// GetConversation returns the cached list, or fetches and installs it.
func (c *Controller) GetConversation(ctx context.Context, conversationID int64) Result[View] {
	const op = "conversation.GetConversation"
	if c.sess == nil {
		return fail[View](op, ErrNotAuthenticated, "", nil)
	}

	if c.messages.Loaded(conversationID) {
		return ok(c.view(conversationID))
	}

	conv, err := c.api.FetchConversation(ctx, *c.sess, conversationID)
	if err != nil {
		return fail[View](op, ErrFetchFailed, "failed to fetch conversation", err)
	}
	c.messages.Replace(conversationID, toMessages(conversationID, conv.Messages))
	return ok(c.view(conversationID))
}

// GetConversations lists the caller's conversations and joins each room.
func (c *Controller) GetConversations(ctx context.Context) Result[[]chatapi.Conversation] {
	const op = "conversation.GetConversations"
	if c.sess == nil {
		return fail[[]chatapi.Conversation](op, ErrNotAuthenticated, "", nil)
	}

	list, err := c.api.ListConversations(ctx, *c.sess)
	if err != nil {
		return fail[[]chatapi.Conversation](op, ErrFetchFailed, "failed to fetch conversations", err)
	}
	for _, conv := range list {
		c.join(conv.ID)
	}
	return ok(list)
}

// GetUserConversation returns the participant's own conversation and joins it.
func (c *Controller) GetUserConversation(ctx context.Context) Result[chatapi.Conversation] {
	const op = "conversation.GetUserConversation"
	if c.sess == nil {
		return fail[chatapi.Conversation](op, ErrNotAuthenticated, "", nil)
	}
	if c.sess.IsAdmin() {
		return fail[chatapi.Conversation](op, ErrUnauthorized, "only participants have conversations", nil)
	}

	conv, err := c.api.FetchUserConversation(ctx, *c.sess)
	if err != nil {
		return fail[chatapi.Conversation](op, ErrFetchFailed, "failed to fetch conversation", err)
	}
	c.join(conv.ID)
	return ok(conv)
}

// CreateConversation starts the participant's conversation and joins it.
// When one already exists the result fails with ErrConflict but still carries
// the existing conversation, which is joined as well.
func (c *Controller) CreateConversation(ctx context.Context) Result[chatapi.Conversation] {
	const op = "conversation.CreateConversation"
	if c.sess == nil {
		return fail[chatapi.Conversation](op, ErrNotAuthenticated, "please sign in to start a conversation", nil)
	}
	if c.sess.IsAdmin() {
		return fail[chatapi.Conversation](op, ErrUnauthorized, "only participants can start conversations", nil)
	}

	conv, err := c.api.CreateConversation(ctx, *c.sess)
	switch {
	case err == nil:
		c.join(conv.ID)
		return ok(conv)
	case errors.Is(err, chatapi.ErrExistingConversation):
		c.join(conv.ID)
		r := fail[chatapi.Conversation](op, ErrConflict, "existing conversation found", err)
		r.Data = conv
		return r
	default:
		return fail[chatapi.Conversation](op, ErrFetchFailed, "failed to start conversation", err)
	}
}

// SetTyping signals the caller's typing state. It is a no-op while signed
// out or not authenticated.
func (c *Controller) SetTyping(conversationID int64, isTyping bool) {
	if c.sess == nil {
		return
	}
	_, _ = c.presence.SetTyping(conversationID, isTyping)
}

// TypingInput returns a keystroke debouncer for one conversation's input box.
func (c *Controller) TypingInput(conversationID int64) *presence.Debouncer {
	return c.presence.ForConversation(conversationID)
}

// JoinConversation joins a room. The bool reports whether a request was emitted.
func (c *Controller) JoinConversation(conversationID int64) Result[bool] {
	const op = "conversation.JoinConversation"
	if c.sess == nil {
		return fail[bool](op, ErrNotAuthenticated, "", nil)
	}
	sent, err := c.rooms.Join(conversationID)
	if err != nil {
		return fail[bool](op, ErrNotConnected, "", err)
	}
	return ok(sent)
}

// LeaveConversation leaves a room.
func (c *Controller) LeaveConversation(conversationID int64) Result[struct{}] {
	const op = "conversation.LeaveConversation"
	if err := c.rooms.Leave(conversationID); err != nil {
		return fail[struct{}](op, ErrNotConnected, "", err)
	}
	return ok(struct{}{})
}

// RequestConversation asks the server to push the conversation; the answer
// replaces the cached list.
func (c *Controller) RequestConversation(conversationID int64) Result[struct{}] {
	const op = "conversation.RequestConversation"
	if c.sess == nil {
		return fail[struct{}](op, ErrNotAuthenticated, "", nil)
	}
	if err := c.rt.Emit(v1.GetConversation{ConversationID: conversationID, UserID: c.sess.ID}); err != nil {
		return fail[struct{}](op, ErrNotConnected, "", err)
	}
	return ok(struct{}{})
}

// MarkAsRead sends a read receipt for one message.
func (c *Controller) MarkAsRead(conversationID, messageID int64) Result[struct{}] {
	const op = "conversation.MarkAsRead"
	if c.sess == nil {
		return fail[struct{}](op, ErrNotAuthenticated, "", nil)
	}
	if err := c.rt.Emit(v1.MarkRead{MessageID: messageID, ConversationID: conversationID}); err != nil {
		return fail[struct{}](op, ErrNotConnected, "", err)
	}
	return ok(struct{}{})
}

// ClearConversationCache drops one cached list so the next read fetches it.
func (c *Controller) ClearConversationCache(conversationID int64) {
	c.messages.Clear(conversationID)
}

// Messages returns a snapshot of the conversation's list.
func (c *Controller) Messages(conversationID int64) []reconcile.Message {
	return c.messages.Messages(conversationID)
}

// Typing returns the users typing in the conversation.
func (c *Controller) Typing(conversationID int64) []int64 {
	return c.presence.Typing(conversationID)
}

// Online returns the online users.
func (c *Controller) Online() []int64 {
	return c.presence.Online()
}

func (c *Controller) view(conversationID int64) View {
	return View{
		ID:       conversationID,
		Messages: c.messages.Messages(conversationID),
		Typing:   c.presence.Typing(conversationID),
	}
}

func (c *Controller) join(conversationID int64) {
	if conversationID <= 0 {
		return
	}
	if _, err := c.rooms.Join(conversationID); err != nil {
		c.log.Warn("conversation.join.fail", "conversation_id", conversationID, "err", err)
	}
}

func (c *Controller) resetSessionState() {
	c.messages.Reset()
	c.presence.Reset()
	c.rooms.Reset()
}

func (c *Controller) emit(n Notice) {
	if c.notify != nil {
		c.notify(n)
	}
}

func toMessages(conversationID int64, in []v1.WireMessage) []reconcile.Message {
	out := make([]reconcile.Message, 0, len(in))
	for _, wm := range in {
		out = append(out, reconcile.FromWire(conversationID, wm))
	}
	return out
}

// ---- listeners ----

func (c *Controller) onAuthenticated(ev v1.Authenticated) {
	if n := c.rooms.Rejoin(); n > 0 {
		c.log.Info("conversation.rejoined", "rooms", n)
	}
}

func (c *Controller) onAuthenticationError(ev v1.AuthenticationError) {
	c.emit(Notice{Kind: NoticeAuthentication, Message: ev.Message})
}

func (c *Controller) onDisconnected(ev transport.Disconnected) {
	c.emit(Notice{Kind: NoticeDisconnected, Message: ev.Reason})
}

func (c *Controller) onConnectError(ev transport.ConnectError) {
	if !ev.Terminal {
		return
	}
	msg := "connection failed"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	c.emit(Notice{Kind: NoticeConnectionFailed, Message: msg})
}

func (c *Controller) onOperationError(ev v1.OperationError) {
	c.emit(Notice{Kind: NoticeOperation, Message: ev.Message})
}

func (c *Controller) onConversationCreated(ev v1.ConversationCreated) {
	conv := ev.Conversation
	if c.sess != nil && conv.ParticipantID == c.sess.ID {
		c.join(conv.ID)
	}
	c.emit(Notice{Kind: NoticeConversationCreated, ConversationID: conv.ID})
}

func (c *Controller) onConversationData(ev v1.ConversationData) {
	conv := ev.Conversation
	if conv.ID <= 0 {
		return
	}
	c.messages.Replace(conv.ID, toMessages(conv.ID, conv.Messages))
}

func (c *Controller) onUserStatusChange(ev v1.UserStatusChange) {
	c.presence.ApplyStatus(ev)
}

func (c *Controller) onUserTyping(ev v1.UserTyping) {
	if c.sess != nil && ev.UserID == c.sess.ID {
		return
	}
	c.presence.ApplyTyping(ev)
}

func (c *Controller) onNewMessage(ev v1.NewMessage) {
	if !c.messages.ApplyPush(ev.ConversationID, ev.Message) {
		return
	}
	if c.sess != nil && ev.Message.SenderID != c.sess.ID {
		c.log.Info("conversation.message.inbound",
			"conversation_id", ev.ConversationID,
			"message_id", ev.Message.ID,
			"sender_id", ev.Message.SenderID,
			"sender_role", ev.Message.SenderRole,
		)
		c.emit(Notice{Kind: NoticeInboundMessage, ConversationID: ev.ConversationID, Message: ev.Message.Text})
	}
}

func (c *Controller) onMessageRead(ev v1.MessageRead) {
	c.log.Debug("conversation.message.read", "conversation_id", ev.ConversationID, "message_id", ev.MessageID, "user_id", ev.UserID)
}
