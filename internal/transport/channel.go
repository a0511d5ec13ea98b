// Package transport owns the persistent websocket to the room endpoint:
// dialing, raw frame framing, keep-alive and connection state. It does not
// reconnect on its own; that policy belongs to the session.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
)

// keep-alive is connection-level, not a sub-protocol concern, so the
// channel owns it rather than routing it through the dispatcher.
var pingFrame = core.Frame(`{"type":"ping"}`)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func (o *Options) withDefaults() {
	if o.ReadLimit == 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 5 * time.Second
	}
}

// Channel is the single multiplexed connection for one participant.
type Channel struct {
	conn    *websocket.Conn
	send    chan core.Frame
	states  chan core.ConnectionState
	onFrame func(core.Frame)
	opts    Options

	mu         sync.RWMutex
	state      core.ConnectionState
	closed     bool
	closedByUs bool
}

// RoomURL builds the websocket endpoint for a room: the room id is a path
// segment, the bearer credential a query parameter.
func RoomURL(baseURL, roomID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/room/" + url.PathEscape(roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the room endpoint and starts the pumps. Inbound frames
// are delivered to onFrame in strict arrival order from a single goroutine.
func Dial(ctx context.Context, rawURL string, onFrame func(core.Frame), opts Options) (*Channel, error) {
	opts.withDefaults()

	c := &Channel{
		send:    make(chan core.Frame, 32),
		states:  make(chan core.ConnectionState, 8),
		onFrame: onFrame,
		opts:    opts,
		state:   core.StateConnecting,
	}
	c.emit(core.StateConnecting)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		c.setState(core.StateFailed)
		if resp != nil {
			return nil, fmt.Errorf("dial room: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial room: %w", err)
	}
	conn.SetReadLimit(opts.ReadLimit)
	c.conn = conn
	c.setState(core.StateOpen)

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Channel) State() core.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) States() <-chan core.ConnectionState { return c.states }

// TrySend queues a frame for the write pump. Frames are silently droppable
// by contract: callers get an error back but the channel never buffers
// across a closed connection.
func (c *Channel) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.state != core.StateOpen {
		return core.ErrNotOpen
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close is the caller-initiated shutdown. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closedByUs = true
	c.state = core.StateClosed
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.emit(core.StateClosed)
}

// fail marks an unexpected closure: terminal Failed state.
func (c *Channel) fail() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = core.StateFailed
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
	c.emit(core.StateFailed)
}

func (c *Channel) setState(s core.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(s)
}

func (c *Channel) emit(s core.ConnectionState) {
	select {
	case c.states <- s:
	default:
		log.Warn().Str("module", "transport").Str("state", s.String()).Msg("state event dropped")
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				c.fail()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				c.fail()
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				c.fail()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump keep-alive")
				c.fail()
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			byUs := c.closedByUs
			c.mu.RUnlock()
			if !byUs {
				log.Warn().Err(err).Str("module", "transport").Msg("readPump read error")
				c.fail()
			}
			return
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}
