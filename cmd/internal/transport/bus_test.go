package transport

import (
	"testing"

	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	var got []string
	b.Subscribe(v1.TypeNewMessage, func(v1.Event) { got = append(got, "a") })
	b.Subscribe(v1.TypeNewMessage, func(v1.Event) { got = append(got, "b") })
	b.Subscribe(v1.TypeUserTyping, func(v1.Event) { got = append(got, "typing") })

	b.Publish(v1.NewMessage{ConversationID: 7})
	require.Equal(t, []string{"a", "b"}, got)
}

func TestBus_UnsubscribeLastDropsKey(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	s1 := b.Subscribe(v1.TypeTyping, func(v1.Event) {})
	s2 := b.Subscribe(v1.TypeTyping, func(v1.Event) {})
	require.Equal(t, 2, b.Count(v1.TypeTyping))

	require.True(t, b.Unsubscribe(s1))
	require.False(t, b.Unsubscribe(s1), "second unsubscribe must be a no-op")
	require.True(t, b.Has(v1.TypeTyping))

	require.True(t, b.Unsubscribe(s2))
	require.False(t, b.Has(v1.TypeTyping))
	require.False(t, b.Unsubscribe(Subscription{}))
}

func TestBus_HandlerPanicDoesNotStopFanout(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	called := false
	b.Subscribe(v1.TypeOperationError, func(v1.Event) { panic("boom") })
	b.Subscribe(v1.TypeOperationError, func(v1.Event) { called = true })

	require.NotPanics(t, func() { b.Publish(v1.OperationError{Message: "x"}) })
	require.True(t, called)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	var calls int
	var self Subscription
	self = b.Subscribe(v1.TypeAuthenticated, func(v1.Event) {
		calls++
		b.Unsubscribe(self)
	})

	b.Publish(v1.Authenticated{UserID: 1})
	b.Publish(v1.Authenticated{UserID: 1})
	require.Equal(t, 1, calls)
	require.False(t, b.Has(v1.TypeAuthenticated))
}

func TestOn_TypedHandler(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	var got v1.UserTyping
	On(b, func(ev v1.UserTyping) { got = ev })

	b.Publish(v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true})
	require.Equal(t, v1.UserTyping{ConversationID: 7, UserID: 9, IsTyping: true}, got)
	require.Equal(t, 1, b.Count(v1.TypeUserTyping))
}

func TestBus_Clear(t *testing.T) {
	t.Parallel()

	b := NewBus(nil)
	b.Subscribe(v1.TypeNewMessage, func(v1.Event) {})
	b.Subscribe(EventDisconnected, func(v1.Event) {})
	b.Clear()

	require.Zero(t, b.Count(v1.TypeNewMessage))
	require.Zero(t, b.Count(EventDisconnected))
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	c := Config{SendQueueSize: 4, ReconnectDelay: 3 * defaultReconnectDelayMax}.withDefaults()
	require.Equal(t, minSendQueueSize, c.SendQueueSize)
	require.Equal(t, defaultMaxReconnectAttempts, c.MaxReconnectAttempts)
	require.Equal(t, c.ReconnectDelay, c.ReconnectDelayMax)
	require.Equal(t, defaultAuthTimeout, c.AuthTimeout)
	require.InDelta(t, defaultReconnectJitter, c.ReconnectJitter, 1e-9)

	c = Config{ReconnectJitter: -1}.withDefaults()
	require.Zero(t, c.ReconnectJitter)
}
