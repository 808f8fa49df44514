package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// link is one open connection plus its bounded outbound queue.
//
// send is never closed so concurrent Emit calls cannot panic; done signals
// the writer and heartbeat goroutines to stop. close is idempotent.
type link struct {
	conn Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newLink(conn Conn, sendQueueSize int) *link {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &link{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks; a full queue reports ErrBackpressure.
func (l *link) enqueue(frame []byte) error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.send <- frame:
		return nil
	case <-l.done:
		return ErrNotConnected
	default:
		return ErrBackpressure
	}
}

// close stops the link goroutines and closes the underlying connection once.
func (l *link) close(reason string) {
	l.closeOnce.Do(func() {
		l.reason = reason
		close(l.done)
		_ = l.conn.Close(reason)
	})
}

// writeLoop drains send until the link or ctx is done.
func (l *link) writeLoop(ctx context.Context, log *slog.Logger, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case frame := <-l.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := l.conn.Write(wctx, frame)
			cancel()
			if err != nil {
				log.Info("transport.write.fail", "err", err)
				l.close("write failed")
				return
			}
		}
	}
}

// heartbeatLoop pings every interval; maxPingFailures consecutive failures close the link.
func (l *link) heartbeatLoop(ctx context.Context, log *slog.Logger, every, timeout time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(ctx, timeout)
			err := l.conn.Ping(hbCtx)
			cancel()

			if err != nil {
				failures++
				log.Info("transport.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					l.close("heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
