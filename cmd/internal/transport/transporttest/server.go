// Package transporttest provides an in-memory realtime server for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"convsync/cmd/internal/transport"
	v1 "convsync/shared/contracts/realtime/v1"
)

// ErrDialRefused is returned by Dial while dials are failing.
var ErrDialRefused = errors.New("transporttest: dial refused")

// Server is a scripted peer implementing transport.Dialer.
//
// By default it acknowledges every authenticate with authenticated.
type Server struct {
	mu       sync.Mutex
	autoAuth bool
	failNext int
	failAll  bool
	dials    int
	conns    []*Conn
	received []v1.ClientEvent
	onEvent  func(c *Conn, ev v1.ClientEvent)
	changed  chan struct{}
}

// NewServer returns a Server that acknowledges authentication.
func NewServer() *Server {
	return &Server{autoAuth: true, changed: make(chan struct{})}
}

// SetAutoAuth toggles the automatic authenticated reply.
func (s *Server) SetAutoAuth(on bool) {
	s.mu.Lock()
	s.autoAuth = on
	s.mu.Unlock()
}

// FailNextDials makes the next n dials fail.
func (s *Server) FailNextDials(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// FailAllDials makes every dial fail until turned off.
func (s *Server) FailAllDials(on bool) {
	s.mu.Lock()
	s.failAll = on
	s.mu.Unlock()
}

// OnEvent installs fn, called for every decoded client event after it is recorded.
func (s *Server) OnEvent(fn func(c *Conn, ev v1.ClientEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// Dials returns the number of Dial calls so far.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context, userID int64) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.failAll {
		return nil, ErrDialRefused
	}
	if s.failNext > 0 {
		s.failNext--
		return nil, ErrDialRefused
	}

	c := &Conn{
		srv:    s,
		UserID: userID,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// Current returns the most recently dialed connection, or nil.
func (s *Server) Current() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Push sends ev to the current connection.
func (s *Server) Push(ev v1.ServerEvent) error {
	c := s.Current()
	if c == nil {
		return io.ErrClosedPipe
	}
	return c.Push(ev)
}

// Drop closes the current connection from the server side.
func (s *Server) Drop() {
	if c := s.Current(); c != nil {
		c.Close("server drop")
	}
}

// Received returns a copy of every client event recorded so far.
func (s *Server) Received() []v1.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.ClientEvent(nil), s.received...)
}

// ReceivedOf returns the recorded client events of type typ.
func (s *Server) ReceivedOf(typ string) []v1.ClientEvent {
	var out []v1.ClientEvent
	for _, ev := range s.Received() {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

// WaitReceived blocks until at least n events of type typ were recorded.
func (s *Server) WaitReceived(ctx context.Context, typ string, n int) error {
	for {
		s.mu.Lock()
		count := 0
		for _, ev := range s.received {
			if ev.EventType() == typ {
				count++
			}
		}
		ch := s.changed
		s.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Server) record(c *Conn, ev v1.ClientEvent) {
	s.mu.Lock()
	s.received = append(s.received, ev)
	close(s.changed)
	s.changed = make(chan struct{})
	auto := s.autoAuth
	fn := s.onEvent
	s.mu.Unlock()

	if a, ok := ev.(v1.Authenticate); ok && auto {
		_ = c.Push(v1.Authenticated{UserID: a.UserID})
	}
	if fn != nil {
		fn(c, ev)
	}
}

// Conn is the client side of one in-memory connection.
type Conn struct {
	srv    *Server
	UserID int64

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Push queues ev for the client to read.
func (c *Conn) Push(ev v1.ServerEvent) error {
	env, err := v1.NewEnvelope(ev, "", time.Now().UTC())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.PushRaw(b)
}

// PushRaw queues an undecoded frame.
func (c *Conn) PushRaw(frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.in <- frame:
		return nil
	}
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case b := <-c.in:
		return b, nil
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	ev, err := v1.DecodeClientEvent(env)
	if err != nil {
		return err
	}
	c.srv.record(c, ev)
	return nil
}

// Ping implements transport.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

// Close implements transport.Conn.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether the connection was closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
