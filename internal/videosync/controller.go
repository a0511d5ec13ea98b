// Package videosync keeps every participant's player at the same source,
// play state and position.
package videosync

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/wire"
)

var ErrSourceAlreadySet = errors.New("video source already shared")

// State is the shared playback state. A single instance is authoritative
// client-side; the last applied remote control event wins over anything
// pending locally.
type State struct {
	SourceURL     string
	Playing       bool
	Position      float64
	LastUpdatedAt time.Time
}

type Controller struct {
	send func(wire.Message) error

	mu      sync.Mutex
	state   State
	shared  bool
	now     func() time.Time
	onState func(State)
}

func NewController(send func(wire.Message) error) *Controller {
	return &Controller{
		send: send,
		now:  time.Now,
	}
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// OnState registers the playback subscriber, notified after every applied
// change on the goroutine that applied it.
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanShare reports whether local URL entry is still offered. It flips off
// for the rest of the session once any participant shares a source.
func (c *Controller) CanShare() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shared
}

var driveFileID = regexp.MustCompile(`/d/([^/]+)`)

// NormalizeURL rewrites a Google Drive sharing link to its direct embed
// form. Already-canonical URLs and anything non-Drive pass through
// unchanged; the rewrite is idempotent.
func NormalizeURL(raw string) string {
	if m := driveFileID.FindStringSubmatch(raw); m != nil {
		return "https://drive.google.com/file/d/" + m[1] + "/preview?enablejsapi=1"
	}
	return raw
}

// ShareSource normalizes the URL, installs it locally and announces it to
// the room. One share per session: later attempts fail once a source is set.
func (c *Controller) ShareSource(raw string) (string, error) {
	canonical := NormalizeURL(raw)

	c.mu.Lock()
	if c.shared {
		c.mu.Unlock()
		return "", ErrSourceAlreadySet
	}
	c.shared = true
	c.state.SourceURL = canonical
	c.state.LastUpdatedAt = c.now()
	snap := c.state
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	if err := c.send(&wire.VideoShare{Type: wire.TypeShareVideo, VideoURL: canonical}); err != nil {
		log.Warn().Err(err).Str("module", "videosync").Msg("share not delivered")
	}
	return canonical, nil
}

// LocalControl applies a local user action optimistically and broadcasts it.
// The server echo that comes back is applied again; the self-correction is
// harmless because local state already matches.
func (c *Controller) LocalControl(action wire.VideoAction, position float64) error {
	c.mu.Lock()
	c.apply(action, position)
	snap := c.state
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return c.send(&wire.VideoControl{
		Action:    action,
		Timestamp: position,
		VideoURL:  snap.SourceURL,
	})
}

// HandleRemote applies a remote control or share event unconditionally,
// in arrival order. No sequence numbers exist: the server is the single
// ordering authority and last-applied wins.
func (c *Controller) HandleRemote(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.VideoControl:
		c.mu.Lock()
		if m.VideoURL != "" {
			c.state.SourceURL = m.VideoURL
		}
		c.apply(m.Action, m.Timestamp)
		snap := c.state
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(snap)
		}
	case *wire.VideoShare:
		c.mu.Lock()
		c.shared = true
		c.state.SourceURL = m.VideoURL
		c.state.LastUpdatedAt = c.now()
		snap := c.state
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(snap)
		}
	default:
		log.Warn().Str("module", "videosync").Str("type", string(msg.Kind())).Msg("unexpected message")
	}
}

// apply mutates state under the caller's lock.
func (c *Controller) apply(action wire.VideoAction, position float64) {
	switch action {
	case wire.ActionPlay:
		c.state.Playing = true
		c.state.Position = position
	case wire.ActionPause:
		c.state.Playing = false
		c.state.Position = position
	case wire.ActionSeek:
		c.state.Position = position
	default:
		log.Warn().Str("module", "videosync").Str("action", string(action)).Msg("unknown action ignored")
		return
	}
	c.state.LastUpdatedAt = c.now()
}
