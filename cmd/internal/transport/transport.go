// Package transport owns the duplex connection of one signed-in session:
// dial, authenticate, heartbeat, reconnect with bounded backoff, and a typed
// publish/subscribe surface over the inbound events.
//
// A Transport is meant to be shared by every view of the session. Listeners
// attach and detach freely; only Disconnect tears the connection down.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"convsync/cmd/identity/ids"
	"convsync/cmd/internal/session"
	v1 "convsync/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
)

// ErrSessionMismatch is returned by Connect while another user's connection is live.
var ErrSessionMismatch = errors.New("transport: connected as another user")

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg     Config
	dialer  Dialer
	log     *slog.Logger
	metrics *Metrics
	ids     *ids.Monotonic

	mu      sync.Mutex
	state   State
	stateCh chan struct{}
	userID  int64
	bus     *Bus
	cur     *run
	link    *link
	hooks   []sessionHook
	hookSeq uint64
}

type sessionHook struct {
	id uint64
	fn func()
}

// New constructs a disconnected Transport.
func New(cfg Config, dialer Dialer, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:     ids.NewMonotonic(),
		stateCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bus = NewBus(t.log)
	t.metrics.setState(StateDisconnected)
	return t
}

// run is one Connect: its reconnect loop and the dispatcher delivering its events.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	userID int64
	bus    *Bus

	queue    chan v1.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// over is set, under Transport.mu, once the run gave up for good.
	over bool
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// publish queues ev for in-order delivery. After the run is cancelled it never blocks.
func (r *run) publish(ev v1.Event) {
	select {
	case r.queue <- ev:
	case <-r.stop:
	case <-r.ctx.Done():
		select {
		case r.queue <- ev:
		default:
		}
	}
}

// dispatch delivers queued events one at a time, so handlers never run concurrently.
func (r *run) dispatch() {
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.queue:
			r.deliver(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *run) deliver(ev v1.Event) {
	select {
	case <-r.stop:
		return
	default:
	}
	r.bus.Publish(ev)
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Connect starts connecting on behalf of sess and returns immediately.
// It is a no-op while a connection for the same user is live or being established.
// Use WaitForState to block until StateAuthenticated.
func (t *Transport) Connect(sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if t.dialer == nil {
		return ErrNoDialer
	}

	t.mu.Lock()
	if t.cur != nil && !t.cur.over && !t.cur.finished() {
		same := t.cur.userID == sess.ID
		t.mu.Unlock()
		if same {
			return nil
		}
		return ErrSessionMismatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:    ctx,
		cancel: cancel,
		userID: sess.ID,
		bus:    t.bus,
		queue:  make(chan v1.Event, t.cfg.EventQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.cur = r
	t.userID = sess.ID
	t.mu.Unlock()

	t.log.Info("transport.connect", "user_id", sess.ID)
	t.transition(r, StateConnecting)

	go r.dispatch()
	go t.loop(r)
	return nil
}

// Disconnect closes the connection, drops every subscription, resets the
// identity and runs the OnSessionEnd hooks. Call it only when the session ends.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	r := t.cur
	t.cur = nil
	old := t.bus
	t.bus = NewBus(t.log)
	t.userID = 0
	hooks := append([]sessionHook(nil), t.hooks...)
	t.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
		r.halt()
	}
	old.Clear()

	t.transition(nil, StateDisconnected)
	for _, h := range hooks {
		h.fn()
	}
	t.log.Info("transport.disconnect")
}

// OnSessionEnd registers fn to run on every Disconnect. The returned func
// removes it; calling that more than once is a no-op.
func (t *Transport) OnSessionEnd(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.hookSeq++
	id := t.hookSeq
	t.hooks = append(t.hooks, sessionHook{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, h := range t.hooks {
				if h.id == id {
					t.hooks = append(t.hooks[:i:i], t.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

// SessionEndHooks returns the number of registered OnSessionEnd hooks.
func (t *Transport) SessionEndHooks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hooks)
}

// Subscribe registers h for eventType on the current session's registry.
func (t *Transport) Subscribe(eventType string, h Handler) Subscription {
	t.mu.Lock()
	b := t.bus
	t.mu.Unlock()
	return b.Subscribe(eventType, h)
}

// Unsubscribe removes a handler registered with Subscribe.
func (t *Transport) Unsubscribe(sub Subscription) bool {
	t.mu.Lock()
	b := t.bus
	t.mu.Unlock()
	return b.Unsubscribe(sub)
}

// Subscribers returns the number of handlers registered for eventType.
func (t *Transport) Subscribers(eventType string) int {
	t.mu.Lock()
	b := t.bus
	t.mu.Unlock()
	return b.Count(eventType)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UserID returns the identity the transport is bound to, or 0.
func (t *Transport) UserID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// WaitForState blocks until the state equals want or ctx is done.
func (t *Transport) WaitForState(ctx context.Context, want State) error {
	for {
		t.mu.Lock()
		s, ch := t.state, t.stateCh
		t.mu.Unlock()

		if s == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Emit encodes ev and queues it on the open connection. It never blocks.
func (t *Transport) Emit(ev v1.ClientEvent) error {
	t.mu.Lock()
	l, s := t.link, t.state
	t.mu.Unlock()

	if l == nil || !s.Open() {
		return ErrNotConnected
	}
	return t.emitOn(l, ev)
}

func (t *Transport) emitOn(l *link, ev v1.ClientEvent) error {
	now := time.Now().UTC()
	id, err := t.ids.Next(now)
	if err != nil {
		return err
	}
	env, err := v1.NewEnvelope(ev, id, now)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return l.enqueue(frame)
}

func (t *Transport) transition(r *run, to State) {
	t.mu.Lock()
	if r != nil && t.cur != r {
		t.mu.Unlock()
		return
	}
	from := t.state
	if from == to {
		t.mu.Unlock()
		return
	}
	t.state = to
	close(t.stateCh)
	t.stateCh = make(chan struct{})
	t.mu.Unlock()

	t.metrics.setState(to)
	t.log.Debug("transport.state", "from", from.String(), "to", to.String())
	if r != nil {
		r.publish(StateChanged{From: from, To: to})
	}
}

func (t *Transport) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectDelay
	b.MaxInterval = t.cfg.ReconnectDelayMax
	b.RandomizationFactor = t.cfg.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// loop dials, serves, and redials until the run is cancelled or the
// consecutive failure bound is reached.
func (t *Transport) loop(r *run) {
	defer close(r.done)
	defer r.cancel()

	b := t.newBackOff()
	failures := 0
	dials := 0
	connected := false

	for {
		if r.ctx.Err() != nil {
			return
		}

		dials++
		t.metrics.dialed()
		dctx, cancel := context.WithTimeout(r.ctx, t.cfg.DialTimeout)
		conn, err := t.dialer.Dial(dctx, r.userID)
		cancel()

		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			failures++
			terminal := failures >= t.cfg.MaxReconnectAttempts
			t.log.Warn("transport.dial.fail", "attempt", failures, "terminal", terminal, "err", err)
			r.publish(ConnectError{Err: err, Attempt: failures, Terminal: terminal})
			if terminal {
				t.mu.Lock()
				r.over = true
				t.mu.Unlock()
				t.transition(r, StateDisconnected)
				return
			}
			if !t.sleep(r, b.NextBackOff()) {
				return
			}
			r.publish(ReconnectAttempt{Attempt: failures + 1})
			continue
		}
		if r.ctx.Err() != nil {
			_ = conn.Close("client disconnect")
			return
		}

		reconnectAfter := 0
		if connected {
			reconnectAfter = dials
		}
		connected = true
		failures = 0
		dials = 0
		b.Reset()

		reason := t.serve(r, conn, reconnectAfter)
		t.transition(r, StateDisconnected)
		t.log.Info("transport.disconnected", "reason", reason)
		r.publish(Disconnected{Reason: reason})

		if r.ctx.Err() != nil {
			return
		}
		if !t.sleep(r, b.NextBackOff()) {
			return
		}
		r.publish(ReconnectAttempt{Attempt: 1})
		t.transition(r, StateConnecting)
	}
}

func (t *Transport) sleep(r *run, d time.Duration) bool {
	if d < 0 {
		d = t.cfg.ReconnectDelayMax
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one established connection until it closes and returns the reason.
// reconnectAfter is the number of dials the reconnection took, or 0 on the first connect.
func (t *Transport) serve(r *run, conn Conn, reconnectAfter int) string {
	l := newLink(conn, t.cfg.SendQueueSize)
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	t.mu.Lock()
	if t.cur != r {
		t.mu.Unlock()
		l.close("superseded")
		return "superseded"
	}
	t.link = l
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.link == l {
			t.link = nil
		}
		t.mu.Unlock()
	}()

	t.transition(r, StateConnected)
	t.log.Info("transport.open", "user_id", r.userID)
	if reconnectAfter > 0 {
		t.metrics.reconnected()
		r.publish(Reconnected{Attempt: reconnectAfter})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop(ctx, t.log, t.cfg.WriteTimeout)
	}()
	go func() {
		defer wg.Done()
		l.heartbeatLoop(ctx, t.log, t.cfg.HeartbeatInterval, t.cfg.HeartbeatTimeout)
	}()

	// The handshake header already carries the id; the explicit message covers
	// servers that lose it. A timeout is reported, the connection stays open.
	authTimer := time.AfterFunc(t.cfg.AuthTimeout, func() {
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("transport.auth.timeout", "user_id", r.userID, "after", t.cfg.AuthTimeout)
		r.publish(v1.AuthenticationError{Message: "authentication timed out"})
	})
	defer authTimer.Stop()

	if err := t.emitOn(l, v1.Authenticate{UserID: r.userID}); err != nil {
		t.log.Warn("transport.auth.emit.fail", "err", err)
	}

	reason := t.readLoop(ctx, r, l, authTimer)

	l.close(reason)
	cancel()
	wg.Wait()
	return reason
}

func (t *Transport) readLoop(ctx context.Context, r *run, l *link, authTimer *time.Timer) string {
	for {
		data, err := l.conn.Read(ctx)
		if err != nil {
			select {
			case <-l.done:
				return l.reason
			default:
			}
			if ctx.Err() != nil {
				return "client disconnect"
			}
			return closeReason(err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Info("transport.read.bad_json", "err", err)
			continue
		}
		ev, err := v1.DecodeServerEvent(env)
		if err != nil {
			t.log.Info("transport.read.bad_envelope", "type", env.Type, "err", err)
			continue
		}
		t.metrics.event(ev.EventType())

		switch e := ev.(type) {
		case v1.Authenticated:
			authTimer.Stop()
			t.transition(r, StateAuthenticated)
			t.log.Info("transport.authenticated", "user_id", e.UserID)
		case v1.AuthenticationError:
			t.log.Warn("transport.auth.rejected", "message", e.Message)
		case v1.OperationError:
			t.log.Info("transport.operation_error", "message", e.Message)
		}
		r.publish(ev)
	}
}
