package transport

import "time"

// Connection defaults.
const (
	defaultAuthTimeout          = 20 * time.Second
	defaultDialTimeout          = 20 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 1 * time.Second
	defaultReconnectDelayMax    = 5 * time.Second
	defaultReconnectJitter      = 0.5

	defaultWriteTimeout  = 5 * time.Second
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultEventQueueSize = 256

	// Heartbeat defaults.
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10
)

// Config tunes the connection lifecycle. Zero fields take the defaults above.
type Config struct {
	// AuthTimeout bounds the wait for "authenticated" after the connection opens.
	AuthTimeout time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// MaxReconnectAttempts is the number of consecutive failed dials after which
	// the transport gives up and fires a terminal ConnectError.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	// ReconnectJitter is the backoff randomization factor in [0,1). Negative disables jitter.
	ReconnectJitter float64

	WriteTimeout  time.Duration
	SendQueueSize int

	// EventQueueSize bounds inbound events waiting for dispatch.
	EventQueueSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		c.ReconnectDelayMax = c.ReconnectDelay
	}
	switch {
	case c.ReconnectJitter == 0:
		c.ReconnectJitter = defaultReconnectJitter
	case c.ReconnectJitter < 0:
		c.ReconnectJitter = 0
	case c.ReconnectJitter >= 1:
		c.ReconnectJitter = defaultReconnectJitter
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defaultEventQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return c
}
