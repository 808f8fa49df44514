// Package presence tracks who is typing in each conversation and who is online.
package presence

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"
)

// DefaultTypingTimeout is the inactivity window after which typing stops.
const DefaultTypingTimeout = 2 * time.Second

// Conn is the slice of the transport the tracker needs.
type Conn interface {
	State() transport.State
	UserID() int64
	Emit(ev v1.ClientEvent) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithTypingTimeout sets how long an inbound isTyping=true stays valid without a follow-up.
func WithTypingTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithNotify installs fn, called after the typing set of a conversation
// changes (conversationID > 0) or the online set changes (conversationID == 0).
func WithNotify(fn func(conversationID int64)) Option {
	return func(t *Tracker) { t.notify = fn }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	conn    Conn
	log     *slog.Logger
	timeout time.Duration
	notify  func(conversationID int64)

	mu     sync.Mutex
	typing map[int64]map[int64]*time.Timer
	online map[int64]struct{}
}

// New constructs an empty Tracker.
func New(conn Conn, opts ...Option) *Tracker {
	t := &Tracker{
		conn:    conn,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTypingTimeout,
		typing:  make(map[int64]map[int64]*time.Timer),
		online:  make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping signals the local user's typing state. Nothing is stored locally;
// it is a no-op unless the connection is authenticated.
func (t *Tracker) SetTyping(conversationID int64, isTyping bool) (bool, error) {
	if t.conn.State() != transport.StateAuthenticated {
		return false, nil
	}
	err := t.conn.Emit(v1.Typing{ConversationID: conversationID, IsTyping: isTyping, UserID: t.conn.UserID()})
	if err != nil {
		t.log.Debug("presence.typing.emit.fail", "conversation_id", conversationID, "err", err)
		return false, err
	}
	return true, nil
}

// ApplyTyping updates the typing set from an inbound user_typing event.
func (t *Tracker) ApplyTyping(ev v1.UserTyping) {
	if ev.IsTyping {
		t.startTyping(ev.ConversationID, ev.UserID)
		return
	}
	t.stopTyping(ev.ConversationID, ev.UserID, nil)
}

// ApplyStatus updates the online set from an inbound user_status_change event.
func (t *Tracker) ApplyStatus(ev v1.UserStatusChange) {
	t.mu.Lock()
	_, was := t.online[ev.UserID]
	if ev.IsOnline {
		t.online[ev.UserID] = struct{}{}
	} else {
		delete(t.online, ev.UserID)
	}
	t.mu.Unlock()

	if was != ev.IsOnline {
		t.changed(0)
	}
}

// Typing returns the users currently typing in the conversation, ascending.
func (t *Tracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	out := make([]int64, 0, len(t.typing[conversationID]))
	for id := range t.typing[conversationID] {
		out = append(out, id)
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// IsTyping reports whether userID is typing in the conversation.
func (t *Tracker) IsTyping(conversationID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[conversationID][userID]
	return ok
}

// Online returns the online users, ascending.
func (t *Tracker) Online() []int64 {
	t.mu.Lock()
	out := make([]int64, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// IsOnline reports whether userID is online.
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Reset clears both sets. It runs when the session ends.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for _, users := range t.typing {
		for _, tm := range users {
			tm.Stop()
		}
	}
	t.typing = make(map[int64]map[int64]*time.Timer)
	t.online = make(map[int64]struct{})
	t.mu.Unlock()
}

func (t *Tracker) startTyping(conversationID, userID int64) {
	t.mu.Lock()
	users := t.typing[conversationID]
	if users == nil {
		users = make(map[int64]*time.Timer)
		t.typing[conversationID] = users
	}
	prev, refresh := users[userID]
	if refresh {
		// A callback that already fired still holds prev and finds it replaced.
		prev.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		owner := tm
		t.mu.Unlock()
		t.stopTyping(conversationID, userID, owner)
	})
	users[userID] = tm
	t.mu.Unlock()

	if !refresh {
		t.changed(conversationID)
	}
}

// stopTyping removes userID. A non-nil owner only removes the entry it created,
// so a stale expiry cannot cancel a newer typing burst.
func (t *Tracker) stopTyping(conversationID, userID int64, owner *time.Timer) {
	t.mu.Lock()
	users := t.typing[conversationID]
	tm, ok := users[userID]
	if !ok || (owner != nil && tm != owner) {
		t.mu.Unlock()
		return
	}
	tm.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	t.mu.Unlock()

	if owner != nil {
		t.log.Debug("presence.typing.expired", "conversation_id", conversationID, "user_id", userID)
	}
	t.changed(conversationID)
}

func (t *Tracker) changed(conversationID int64) {
	if t.notify != nil {
		t.notify(conversationID)
	}
}
