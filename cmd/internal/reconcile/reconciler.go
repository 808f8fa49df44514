// Package reconcile owns the per-conversation message lists and merges the
// three write paths into them: optimistic sends, durable submit confirmations,
// and pushed new_message events.
package reconcile

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"convsync/cmd/identity/ids"
	v1 "convsync/shared/contracts/realtime/v1"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultProcessedCapacity = 4096
	defaultPendingTimeout    = 30 * time.Second
)

// Message is one entry of a conversation list.
//
// ID is zero only for an optimistic entry that has not been confirmed yet;
// such an entry carries TempKey instead.
type Message struct {
	ID             int64
	TempKey        string
	Text           string
	CreatedAt      time.Time
	SenderID       int64
	SenderRole     string
	ConversationID int64
	IsOptimistic   bool
	// Failed marks an optimistic entry that outlived the pending timeout.
	Failed bool
}

// Confirmed is the authoritative copy returned by the durable submit endpoint.
type Confirmed struct {
	ID        int64
	Text      string
	CreatedAt time.Time
}

// FromWire normalizes a pushed message.
func FromWire(conversationID int64, m v1.WireMessage) Message {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Message{
		ID:             m.ID,
		Text:           m.Text,
		CreatedAt:      created,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		ConversationID: conversationID,
	}
}

// Config tunes a Reconciler. Zero fields take defaults.
type Config struct {
	// ProcessedCapacity bounds the processed identity key cache.
	ProcessedCapacity int
	// PendingTimeout is how long an optimistic entry may stay unconfirmed
	// before it is marked Failed. Negative disables the timeout.
	PendingTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithNotify installs fn, called after every change to a conversation list.
// fn runs without the reconciler lock held and may read snapshots.
func WithNotify(fn func(conversationID int64)) Option {
	return func(r *Reconciler) { r.notify = fn }
}

// Reconciler is safe for concurrent use. Every mutation is applied atomically
// under one lock, so handlers racing across event types still converge.
type Reconciler struct {
	log     *slog.Logger
	metrics *Metrics
	notify  func(conversationID int64)
	ids     *ids.Monotonic
	pending time.Duration

	mu        sync.Mutex
	lists     map[int64][]Message
	loaded    map[int64]bool
	processed *lru.Cache[string, struct{}]
	timers    map[string]*time.Timer
}

// New constructs an empty Reconciler.
func New(cfg Config, opts ...Option) *Reconciler {
	if cfg.ProcessedCapacity <= 0 {
		cfg.ProcessedCapacity = defaultProcessedCapacity
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = defaultPendingTimeout
	}

	// lru.New only fails for a non-positive size.
	processed, _ := lru.New[string, struct{}](cfg.ProcessedCapacity)

	r := &Reconciler{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:       ids.NewMonotonic(),
		pending:   cfg.PendingTimeout,
		lists:     make(map[int64][]Message),
		loaded:    make(map[int64]bool),
		processed: processed,
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddOptimistic appends a placeholder for a message the caller is about to
// submit and returns it. Its temp key is registered as processed so an id-less
// echo carrying the same key is ignored.
func (r *Reconciler) AddOptimistic(conversationID int64, text string, senderID int64, senderRole string) (Message, error) {
	now := time.Now().UTC()
	key, err := r.ids.Next(now)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		TempKey:        key,
		Text:           strings.TrimSpace(text),
		CreatedAt:      now,
		SenderID:       senderID,
		SenderRole:     senderRole,
		ConversationID: conversationID,
		IsOptimistic:   true,
	}

	r.mu.Lock()
	r.processed.Add(tmpKey(key), struct{}{})
	r.lists[conversationID] = append(r.lists[conversationID], m)
	if r.pending > 0 {
		r.timers[key] = time.AfterFunc(r.pending, func() { r.expire(conversationID, key) })
	}
	r.mu.Unlock()

	r.changed(conversationID)
	return m, nil
}

// ApplyPush merges a pushed message. It reports whether the list changed;
// a message whose identity key was already applied is discarded.
func (r *Reconciler) ApplyPush(conversationID int64, wm v1.WireMessage) bool {
	key := r.identity(conversationID, wm)

	r.mu.Lock()
	if r.processed.Contains(key) {
		r.mu.Unlock()
		r.metrics.duplicate()
		r.log.Debug("reconcile.push.duplicate", "conversation_id", conversationID, "key", key)
		return false
	}

	list := r.lists[conversationID]
	if i := matchOptimistic(list, wm); i >= 0 {
		r.stopTimerLocked(list[i].TempKey)
		list = removeAt(list, i)
	}
	if wm.ID == 0 || indexByID(list, wm.ID) < 0 {
		list = append(list, FromWire(conversationID, wm))
	}
	r.lists[conversationID] = list
	r.processed.Add(key, struct{}{})
	r.mu.Unlock()

	r.changed(conversationID)
	return true
}

// Confirm swaps the placeholder for the authoritative message. It tolerates a
// push having delivered the same id first and never duplicates it.
func (r *Reconciler) Confirm(conversationID int64, tempKey string, c Confirmed) Message {
	r.mu.Lock()
	list := r.lists[conversationID]

	m := Message{
		ID:             c.ID,
		Text:           c.Text,
		CreatedAt:      c.CreatedAt,
		ConversationID: conversationID,
	}
	if i := indexByTempKey(list, tempKey); i >= 0 {
		opt := list[i]
		m.SenderID, m.SenderRole = opt.SenderID, opt.SenderRole
		if m.Text == "" {
			m.Text = opt.Text
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = opt.CreatedAt
		}
		list = removeAt(list, i)
	}
	r.stopTimerLocked(tempKey)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if c.ID != 0 {
		r.processed.Add(idKey(c.ID), struct{}{})
		if j := indexByID(list, c.ID); j >= 0 {
			m = list[j]
		} else {
			list = append(list, m)
		}
	} else {
		list = append(list, m)
	}
	r.lists[conversationID] = list
	r.mu.Unlock()

	r.changed(conversationID)
	return m
}

// Rollback removes the placeholder and forgets its temp key. It reports
// whether a placeholder was removed.
func (r *Reconciler) Rollback(conversationID int64, tempKey string) bool {
	r.mu.Lock()
	list := r.lists[conversationID]
	i := indexByTempKey(list, tempKey)
	if i >= 0 {
		r.lists[conversationID] = removeAt(list, i)
	}
	r.processed.Remove(tmpKey(tempKey))
	r.stopTimerLocked(tempKey)
	r.mu.Unlock()

	if i < 0 {
		return false
	}
	r.metrics.rollback()
	r.log.Info("reconcile.rollback", "conversation_id", conversationID, "temp_key", tempKey)
	r.changed(conversationID)
	return true
}

// Replace installs a fetched list. Repeated ids keep their first occurrence;
// order of first occurrence is preserved.
//
// A fetch may have been answered before recent writes landed, so entries the
// fetched list lacks are carried over after it: pending placeholders (timers
// keep running) and messages confirmed or pushed since. Dropping those would
// lose them for good, because their ids are already marked processed.
func (r *Reconciler) Replace(conversationID int64, msgs []Message) {
	out := make([]Message, 0, len(msgs))
	seen := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		m.ConversationID = conversationID
		m.IsOptimistic = false
		out = append(out, m)
	}
	fetched := len(out)

	r.mu.Lock()
	for _, m := range r.lists[conversationID] {
		switch {
		case m.IsOptimistic:
			out = append(out, m)
		case m.ID != 0:
			if _, ok := seen[m.ID]; ok || !r.processed.Contains(idKey(m.ID)) {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		default:
			if indexUnkeyed(out[:fetched], m) < 0 {
				out = append(out, m)
			}
		}
	}
	r.lists[conversationID] = out
	r.loaded[conversationID] = true
	r.mu.Unlock()

	if kept := len(out) - fetched; kept > 0 {
		r.log.Debug("reconcile.replace.carried", "conversation_id", conversationID, "kept", kept)
	}
	r.changed(conversationID)
}

// Messages returns a copy of the conversation list.
func (r *Reconciler) Messages(conversationID int64) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.lists[conversationID]...)
}

// Loaded reports whether the conversation was installed by Replace and not cleared since.
func (r *Reconciler) Loaded(conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[conversationID]
}

// Clear drops one conversation so the next read fetches it again.
func (r *Reconciler) Clear(conversationID int64) {
	r.mu.Lock()
	for _, m := range r.lists[conversationID] {
		if m.IsOptimistic {
			r.stopTimerLocked(m.TempKey)
		}
	}
	delete(r.lists, conversationID)
	delete(r.loaded, conversationID)
	r.mu.Unlock()

	r.log.Info("reconcile.clear", "conversation_id", conversationID)
	r.changed(conversationID)
}

// Reset forgets every list and processed key. It runs when the session ends.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
	r.lists = make(map[int64][]Message)
	r.loaded = make(map[int64]bool)
	r.processed.Purge()
	r.mu.Unlock()
}

// Processed reports whether a pushed message with this identity was already applied.
func (r *Reconciler) Processed(conversationID int64, wm v1.WireMessage) bool {
	key := r.identity(conversationID, wm)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed.Contains(key)
}

func (r *Reconciler) identity(conversationID int64, wm v1.WireMessage) string {
	switch {
	case wm.ID != 0:
		return idKey(wm.ID)
	case wm.ClientMsgID != "":
		return tmpKey(wm.ClientMsgID)
	default:
		return fallbackKey(conversationID, wm.Text, wm.CreatedAt)
	}
}

// expire marks a still-pending placeholder as failed.
func (r *Reconciler) expire(conversationID int64, key string) {
	r.mu.Lock()
	if _, ok := r.timers[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)

	list := r.lists[conversationID]
	i := indexByTempKey(list, key)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	next := append([]Message(nil), list...)
	next[i].Failed = true
	r.lists[conversationID] = next
	r.mu.Unlock()

	r.metrics.pendingFail()
	r.log.Warn("reconcile.pending.expired", "conversation_id", conversationID, "temp_key", key)
	r.changed(conversationID)
}

func (r *Reconciler) stopTimerLocked(key string) {
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

func (r *Reconciler) changed(conversationID int64) {
	if r.notify != nil {
		r.notify(conversationID)
	}
}

// matchOptimistic finds the placeholder a pushed message confirms: by echoed
// temp key when present, else the oldest placeholder from the same sender
// with the same text.
func matchOptimistic(list []Message, wm v1.WireMessage) int {
	if wm.ClientMsgID != "" {
		return indexByTempKey(list, wm.ClientMsgID)
	}
	for i, m := range list {
		if !m.IsOptimistic || m.Text != wm.Text {
			continue
		}
		if wm.SenderID != 0 && m.SenderID != wm.SenderID {
			continue
		}
		return i
	}
	return -1
}

func indexByTempKey(list []Message, key string) int {
	if key == "" {
		return -1
	}
	for i, m := range list {
		if m.IsOptimistic && m.TempKey == key {
			return i
		}
	}
	return -1
}

func indexByID(list []Message, id int64) int {
	for i, m := range list {
		if m.ID == id && !m.IsOptimistic {
			return i
		}
	}
	return -1
}

// indexUnkeyed finds an id-less stored message with the same content.
func indexUnkeyed(list []Message, m Message) int {
	for i, x := range list {
		if x.ID == 0 && !x.IsOptimistic && x.Text == m.Text && x.SenderID == m.SenderID && x.CreatedAt.Equal(m.CreatedAt) {
			return i
		}
	}
	return -1
}

// removeAt returns a new slice without element i.
func removeAt(list []Message, i int) []Message {
	out := make([]Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
