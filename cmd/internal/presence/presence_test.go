package presence

import (
	"sync"
	"testing"
	"time"

	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	state   transport.State
	emitted []v1.ClientEvent
}

func (f *fakeConn) State() transport.State { f.mu.Lock(); defer f.mu.Unlock(); return f.state }
func (f *fakeConn) UserID() int64          { return 42 }

func (f *fakeConn) Emit(ev v1.ClientEvent) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []v1.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.ClientEvent(nil), f.emitted...)
}

func TestSetTyping_OnlyWhileAuthenticated(t *testing.T) {
	t.Parallel()

	c := &fakeConn{state: transport.StateConnected}
	tr := New(c)

	sent, err := tr.SetTyping(7, true)
	require.NoError(t, err)
	require.False(t, sent)
	require.Empty(t, c.events())

	c.mu.Lock()
	c.state = transport.StateAuthenticated
	c.mu.Unlock()

	sent, err = tr.SetTyping(7, true)
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, []v1.ClientEvent{v1.Typing{ConversationID: 7, IsTyping: true, UserID: 42}}, c.events())
	require.Empty(t, tr.Typing(7), "the sender's own state is not stored")
}

func TestApplyTyping_AddRemove(t *testing.T) {
	t.Parallel()

	tr := New(&fakeConn{}, WithTypingTimeout(time.Hour))
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 3, IsTyping: true})
	tr.ApplyTyping(v1.UserTyping{ConversationID: 8, UserID: 9, IsTyping: true})

	require.Equal(t, []int64{3, 9}, tr.Typing(7))
	require.True(t, tr.IsTyping(8, 9))

	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: false})
	require.Equal(t, []int64{3}, tr.Typing(7))

	// Stopping a user who is not typing is harmless.
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 100, IsTyping: false})
	require.Equal(t, []int64{3}, tr.Typing(7))

	tr.Reset()
	require.Empty(t, tr.Typing(7))
	require.Empty(t, tr.Typing(8))
}

func TestApplyTyping_ExpiresWithoutFollowUp(t *testing.T) {
	t.Parallel()

	tr := New(&fakeConn{}, WithTypingTimeout(30*time.Millisecond))
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})
	require.True(t, tr.IsTyping(7, 9))

	require.Eventually(t, func() bool { return !tr.IsTyping(7, 9) }, time.Second, 5*time.Millisecond)
}

func TestApplyTyping_RefreshSurvivesStaleExpiry(t *testing.T) {
	t.Parallel()

	tr := New(&fakeConn{}, WithTypingTimeout(time.Hour))
	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})

	tr.mu.Lock()
	stale := tr.typing[7][9]
	tr.mu.Unlock()

	tr.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})

	// The first timer's callback fired just before the refresh and only now gets the lock.
	tr.stopTyping(7, 9, stale)
	require.True(t, tr.IsTyping(7, 9), "a refreshed entry outlives the previous timer")

	tr.mu.Lock()
	current := tr.typing[7][9]
	tr.mu.Unlock()
	tr.stopTyping(7, 9, current)
	require.False(t, tr.IsTyping(7, 9))
}

func TestApplyStatus(t *testing.T) {
	t.Parallel()

	var notified int
	tr := New(&fakeConn{}, WithNotify(func(id int64) {
		if id == 0 {
			notified++
		}
	}))

	tr.ApplyStatus(v1.UserStatusChange{UserID: 5, IsOnline: true})
	tr.ApplyStatus(v1.UserStatusChange{UserID: 5, IsOnline: true})
	tr.ApplyStatus(v1.UserStatusChange{UserID: 2, IsOnline: true})
	require.Equal(t, []int64{2, 5}, tr.Online())

	tr.ApplyStatus(v1.UserStatusChange{UserID: 5, IsOnline: false})
	require.Equal(t, []int64{2}, tr.Online())
	require.False(t, tr.IsOnline(5))
	require.Equal(t, 3, notified, "re-adding an online user is a no-op")
}

type sink struct {
	mu  sync.Mutex
	got []bool
}

func (s *sink) emit(v bool) { s.mu.Lock(); s.got = append(s.got, v); s.mu.Unlock() }

func (s *sink) all() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.got...)
}

func TestDebouncer_OneTruePerBurst(t *testing.T) {
	t.Parallel()

	s := &sink{}
	d := NewDebouncer(40*time.Millisecond, s.emit)
	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		d.Input(text)
	}
	require.Equal(t, []bool{true}, s.all())
	require.True(t, d.Typing())

	require.Eventually(t, func() bool { return len(s.all()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, s.all())
	require.False(t, d.Typing())
}

func TestDebouncer_EmptyTextStops(t *testing.T) {
	t.Parallel()

	s := &sink{}
	d := NewDebouncer(time.Hour, s.emit)
	d.Input("x")
	d.Input("")
	d.Input("")
	require.Equal(t, []bool{true, false}, s.all())

	d.Input("y")
	d.Flush()
	d.Stop()
	require.Equal(t, []bool{true, false, true, false}, s.all())
}

func TestDebouncer_KeystrokesResetTimer(t *testing.T) {
	t.Parallel()

	s := &sink{}
	d := NewDebouncer(60*time.Millisecond, s.emit)
	d.Input("a")
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		d.Input("ab")
	}
	require.Equal(t, []bool{true}, s.all(), "activity inside the window keeps the burst open")
	d.Stop()
}

// A typing signal followed by more than the window of inactivity leaves no
// indicator for that user on either side.
func TestTypingThenInactivity(t *testing.T) {
	t.Parallel()

	c := &fakeConn{state: transport.StateAuthenticated}
	sender := New(c, WithTypingTimeout(50*time.Millisecond))
	receiver := New(&fakeConn{}, WithTypingTimeout(50*time.Millisecond))

	d := sender.ForConversation(7)
	d.Input("typing...")

	require.Eventually(t, func() bool { return len(c.events()) == 2 }, time.Second, 5*time.Millisecond)
	for _, ev := range c.events() {
		ty := ev.(v1.Typing)
		receiver.ApplyTyping(v1.UserTyping{ConversationID: ty.ConversationID, UserID: ty.UserID, IsTyping: ty.IsTyping})
	}
	require.False(t, receiver.IsTyping(7, 42))

	// Receiver-side expiry covers a lost stop signal.
	receiver.ApplyTyping(v1.UserTyping{ConversationID: 7, UserID: 42, IsTyping: true})
	time.Sleep(60 * time.Millisecond)
	require.Eventually(t, func() bool { return !receiver.IsTyping(7, 42) }, time.Second, 5*time.Millisecond)
}
