// Package relay is the development room server: an in-memory hub that
// implements the client-observable wire contract (roster snapshots, chat
// fan-out, video control fan-out, targeted signaling relay). It backs
// cmd/devrelay and the integration tests; production deployments bring
// their own server.
package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/wire"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrSlowClient   = errors.New("client write queue full")
)

// client is one connected participant. The hub owns the send queue; the
// websocket adapter owns the socket itself.
type client struct {
	id       domain.UserID
	username string
	send     chan core.Frame

	mu     sync.Mutex
	closed bool
}

func (c *client) trySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrSlowClient
	}
	return nil
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// room is a threadsafe membership set with fan-out.
type room struct {
	id   domain.RoomID
	name string

	mu      sync.RWMutex
	members map[domain.UserID]*client
}

func (r *room) roster() []wire.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.RosterEntry, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, wire.RosterEntry{ID: c.id, Username: c.username})
	}
	return out
}

func (r *room) memberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// broadcast fans a frame to every member except the sender. Slow clients
// drop the frame, they are not waited for.
func (r *room) broadcast(from domain.UserID, f core.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.members {
		if id == from {
			continue
		}
		if err := c.trySend(f); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("to", string(id)).Msg("broadcast drop")
		}
	}
}

// broadcastAll includes the sender; roster snapshots go to everyone.
func (r *room) broadcastAll(f core.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.members {
		if err := c.trySend(f); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("to", string(id)).Msg("broadcast drop")
		}
	}
}

func (r *room) sendTo(to domain.UserID, f core.Frame) {
	r.mu.RLock()
	c, ok := r.members[to]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.trySend(f); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("to", string(to)).Msg("targeted send drop")
	}
}

func (r *room) add(c *client) {
	r.mu.Lock()
	r.members[c.id] = c
	r.mu.Unlock()
}

func (r *room) remove(id domain.UserID) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

// Hub owns every room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]*room)}
}

func (h *Hub) createRoom(id domain.RoomID, name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := &room{id: id, name: name, members: make(map[domain.UserID]*client)}
	h.rooms[id] = r
	return r
}

func (h *Hub) getRoom(id domain.RoomID) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// join adds the client and pushes a fresh roster snapshot to everyone,
// the joiner included.
func (h *Hub) join(roomID domain.RoomID, c *client) (*room, error) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	r.add(c)
	log.Info().Str("module", "relay").Str("room", string(roomID)).
		Str("user", string(c.id)).Int("size", r.memberCount()).Msg("member joined")
	h.pushRoster(r)
	return r, nil
}

// leave removes the client and pushes the shrunk roster. Empty rooms are
// kept: the REST surface owns room lifecycle, not the socket.
func (h *Hub) leave(r *room, c *client) {
	r.remove(c.id)
	c.close()
	log.Info().Str("module", "relay").Str("room", string(r.id)).
		Str("user", string(c.id)).Int("size", r.memberCount()).Msg("member left")
	h.pushRoster(r)
}

func (h *Hub) pushRoster(r *room) {
	f, err := wire.Encode(&wire.PresenceUpdate{Users: r.roster()})
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode roster")
		return
	}
	r.broadcastAll(f)
}
