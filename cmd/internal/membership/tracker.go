// Package membership keeps idempotent join/leave bookkeeping for conversation rooms.
package membership

import (
	"io"
	"log/slog"
	"slices"
	"sync"

	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"
)

// Conn is the slice of the transport the tracker needs.
type Conn interface {
	State() transport.State
	UserID() int64
	Emit(ev v1.ClientEvent) error
}

// Tracker records which rooms the session has asked to join.
//
// A room is recorded before the server acknowledges the join; the server side
// treats join as idempotent, so an early record is never wrong for long.
type Tracker struct {
	conn Conn
	log  *slog.Logger

	mu     sync.Mutex
	joined map[int64]struct{}
}

// New constructs an empty Tracker.
func New(conn Conn, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		conn:   conn,
		log:    log,
		joined: make(map[int64]struct{}),
	}
}

// Join emits join_conversation once per room. It is a no-op unless the
// connection is authenticated, and a no-op for a room already recorded.
// The returned bool reports whether a request was emitted.
func (t *Tracker) Join(conversationID int64) (bool, error) {
	if t.conn.State() != transport.StateAuthenticated {
		return false, nil
	}

	t.mu.Lock()
	if _, ok := t.joined[conversationID]; ok {
		t.mu.Unlock()
		return false, nil
	}
	t.joined[conversationID] = struct{}{}
	t.mu.Unlock()

	err := t.conn.Emit(v1.JoinConversation{ConversationID: conversationID, UserID: t.conn.UserID()})
	if err != nil {
		// Forget the room so the next Join retries.
		t.mu.Lock()
		delete(t.joined, conversationID)
		t.mu.Unlock()
		t.log.Warn("membership.join.fail", "conversation_id", conversationID, "err", err)
		return false, err
	}

	t.log.Info("membership.join", "conversation_id", conversationID)
	return true, nil
}

// Leave forgets the room and emits leave_conversation when connected.
// Leaving a room that was never joined is safe.
func (t *Tracker) Leave(conversationID int64) error {
	t.mu.Lock()
	delete(t.joined, conversationID)
	t.mu.Unlock()

	if !t.conn.State().Open() {
		return nil
	}
	if err := t.conn.Emit(v1.LeaveConversation{ConversationID: conversationID}); err != nil {
		t.log.Warn("membership.leave.fail", "conversation_id", conversationID, "err", err)
		return err
	}
	t.log.Info("membership.leave", "conversation_id", conversationID)
	return nil
}

// Joined reports whether the room is recorded.
func (t *Tracker) Joined(conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[conversationID]
	return ok
}

// Rooms returns the recorded rooms in ascending order.
func (t *Tracker) Rooms() []int64 {
	t.mu.Lock()
	out := make([]int64, 0, len(t.joined))
	for id := range t.joined {
		out = append(out, id)
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// Rejoin re-emits join_conversation for every recorded room. A fresh
// connection carries no server-side membership, so this runs after every
// re-authentication. It returns the number of requests emitted.
func (t *Tracker) Rejoin() int {
	if t.conn.State() != transport.StateAuthenticated {
		return 0
	}

	n := 0
	userID := t.conn.UserID()
	for _, id := range t.Rooms() {
		if err := t.conn.Emit(v1.JoinConversation{ConversationID: id, UserID: userID}); err != nil {
			t.log.Warn("membership.rejoin.fail", "conversation_id", id, "err", err)
			continue
		}
		n++
	}
	if n > 0 {
		t.log.Info("membership.rejoin", "rooms", n)
	}
	return n
}

// Reset forgets every room. It runs when the session ends.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.joined = make(map[int64]struct{})
	t.mu.Unlock()
}
