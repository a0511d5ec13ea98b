// Package presence tracks the live set of room participants.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/domain"
)

// Tracker holds the roster. Server snapshots are authoritative: each update
// replaces the whole set, so there is no add/remove ordering to get wrong.
type Tracker struct {
	mu       sync.RWMutex
	users    map[domain.UserID]string
	onChange func(snapshot []domain.User, joined, left []domain.UserID)
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[domain.UserID]string)}
}

// OnChange registers the roster subscriber. The callback receives the new
// snapshot plus the delta against the previous one; it runs on the goroutine
// that applied the update.
func (t *Tracker) OnChange(fn func(snapshot []domain.User, joined, left []domain.UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Apply atomically replaces the roster. Reapplying an identical snapshot is
// a no-op with no notification.
func (t *Tracker) Apply(users []domain.User) {
	t.mu.Lock()
	next := make(map[domain.UserID]string, len(users))
	for _, u := range users {
		next[u.ID] = u.Username
	}

	var joined, left []domain.UserID
	for id := range next {
		if _, ok := t.users[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range t.users {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}

	changed := len(joined) > 0 || len(left) > 0 || renamed(t.users, next)
	t.users = next
	fn := t.onChange
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if !changed {
		return
	}
	log.Debug().Str("module", "presence").Int("size", len(snap)).
		Int("joined", len(joined)).Int("left", len(left)).Msg("roster replaced")
	if fn != nil {
		fn(snap, joined, left)
	}
}

func renamed(prev, next map[domain.UserID]string) bool {
	for id, name := range next {
		if old, ok := prev[id]; ok && old != name {
			return true
		}
	}
	return false
}

func (t *Tracker) Snapshot() []domain.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []domain.User {
	out := make([]domain.User, 0, len(t.users))
	for id, name := range t.users {
		out = append(out, domain.User{ID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) Contains(id domain.UserID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[id]
	return ok
}

func (t *Tracker) Username(id domain.UserID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.users[id]
	return name, ok
}
