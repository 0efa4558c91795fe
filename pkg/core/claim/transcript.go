package claim

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Entry is one immutable line of the conversation transcript.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is an append-only log with a single writer and any number of readers.
type Transcript struct {
	now func() time.Time

	// buf is writer-owned; readers only ever see a prefix with cap == len.
	buf       []Entry
	published atomic.Pointer[[]Entry]
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	t := &Transcript{now: time.Now}
	t.Reset()
	return t
}

// Append adds an entry and returns it. Must be called from the owning goroutine.
func (t *Transcript) Append(role Role, text string) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: t.now(),
	}
	t.buf = append(t.buf, e)
	view := t.buf[:len(t.buf):len(t.buf)]
	t.published.Store(&view)
	return e
}

// Entries returns the current transcript in insertion order.
func (t *Transcript) Entries() []Entry {
	if p := t.published.Load(); p != nil {
		return *p
	}
	return nil
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	return len(t.Entries())
}

// Reset starts a new, empty transcript. Previously returned slices stay valid.
func (t *Transcript) Reset() {
	t.buf = nil
	empty := []Entry{}
	t.published.Store(&empty)
}
