package presence

import (
	"sync"
	"time"
)

// Debouncer turns keystrokes into at most one typing=true per burst and a
// typing=false after the inactivity window or once the text is cleared.
type Debouncer struct {
	emit    func(isTyping bool)
	timeout time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

// NewDebouncer calls emit with every state change. A non-positive timeout uses DefaultTypingTimeout.
func NewDebouncer(timeout time.Duration, emit func(isTyping bool)) *Debouncer {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Debouncer{emit: emit, timeout: timeout}
}

// ForConversation builds a Debouncer feeding t.SetTyping for one conversation.
func (t *Tracker) ForConversation(conversationID int64) *Debouncer {
	return NewDebouncer(t.timeout, func(isTyping bool) {
		_, _ = t.SetTyping(conversationID, isTyping)
	})
}

// Input records the current input text after a keystroke.
func (d *Debouncer) Input(text string) {
	if text == "" {
		d.Flush()
		return
	}

	d.mu.Lock()
	start := !d.typing
	d.typing = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.timeout, func() { d.expire(gen) })
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Flush ends the burst now, e.g. after the message was sent.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	was := d.typing
	d.typing = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if was {
		d.emit(false)
	}
}

// Stop cancels the pending timer without emitting.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.typing = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

// Typing reports whether a burst is in progress.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.typing {
		d.mu.Unlock()
		return
	}
	d.typing = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(false)
}
