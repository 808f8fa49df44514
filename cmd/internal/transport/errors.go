package transport

import "errors"

var (
	// ErrNotConnected is returned when a frame is emitted without an open connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrBackpressure is returned when the per-connection send queue is full.
	ErrBackpressure = errors.New("transport: send queue full")

	// ErrNoDialer is returned by Connect when the transport was built without a Dialer.
	ErrNoDialer = errors.New("transport: nil dialer")
)
