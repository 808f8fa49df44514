// Package ids provides the ULID primitives used for envelope ids and optimistic message keys.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps envelope ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Monotonic issues strictly increasing ULIDs, even for calls within the same millisecond.
// It is safe for concurrent use.
type Monotonic struct {
	mu      sync.Mutex
	entropy io.Reader
	last    ulid.ULID
}

// NewMonotonic constructs a Monotonic generator seeded from crypto/rand.
func NewMonotonic() *Monotonic {
	return &Monotonic{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next ULID for now. If the clock moved backwards the previous
// timestamp is reused so ordering still holds.
func (m *Monotonic) Next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < m.last.Time() {
		ms = m.last.Time()
	}

	id, err := ulid.New(ms, m.entropy)
	if err != nil {
		return "", err
	}
	m.last = id
	return id.String(), nil
}
