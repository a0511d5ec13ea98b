// Package chat keeps the ordered, deduplicated chat history for a room.
package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is one chat event. Immutable once appended.
type Entry struct {
	From       string
	Text       string
	ReceivedAt time.Time
}

// Log appends entries in arrival order and drops near-duplicates. Identity
// is the (from, text) pair within a rolling window: the server mirrors
// messages back after a reconnect and those re-deliveries are the same
// logical event. A user legitimately repeating the same text inside the
// window is dropped too; known tradeoff.
type Log struct {
	mu       sync.Mutex
	window   time.Duration
	now      func() time.Time
	entries  []Entry
	onAppend func(Entry)
}

func NewLog(window time.Duration) *Log {
	return &Log{
		window: window,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// OnAppend registers the subscriber notified for every accepted entry.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append records a chat event. Returns false when the entry duplicates an
// existing (from, text) pair inside the dedup window.
func (l *Log) Append(from, text string) bool {
	l.mu.Lock()
	now := l.now()
	cutoff := now.Add(-l.window)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.ReceivedAt.Before(cutoff) {
			break
		}
		if e.From == from && e.Text == text {
			l.mu.Unlock()
			log.Debug().Str("module", "chat").Str("from", from).Msg("duplicate entry dropped")
			return false
		}
	}
	entry := Entry{From: from, Text: text, ReceivedAt: now}
	l.entries = append(l.entries, entry)
	fn := l.onAppend
	l.mu.Unlock()

	if fn != nil {
		fn(entry)
	}
	return true
}

// Entries returns a copy of the log in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
