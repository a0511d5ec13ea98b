package videosync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/watchroom/internal/wire"
)

type captureSend struct {
	sent []wire.Message
}

func (c *captureSend) send(m wire.Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://drive.google.com/file/d/abc123/view?usp=sharing": "https://drive.google.com/file/d/abc123/preview?enablejsapi=1",
		"https://drive.google.com/file/d/abc123/preview?enablejsapi=1": "https://drive.google.com/file/d/abc123/preview?enablejsapi=1",
		"https://example.com/movie.mp4":                                "https://example.com/movie.mp4",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in))
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	once := NormalizeURL("https://drive.google.com/file/d/xyz/view")
	assert.Equal(t, once, NormalizeURL(once))
}

func TestShareSourceOncePerSession(t *testing.T) {
	out := &captureSend{}
	c := NewController(out.send)

	require.True(t, c.CanShare())
	canonical, err := c.ShareSource("https://drive.google.com/file/d/abc/view")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/file/d/abc/preview?enablejsapi=1", canonical)
	assert.False(t, c.CanShare())

	_, err = c.ShareSource("https://example.com/other.mp4")
	assert.ErrorIs(t, err, ErrSourceAlreadySet)

	require.Len(t, out.sent, 1)
	share, ok := out.sent[0].(*wire.VideoShare)
	require.True(t, ok)
	assert.Equal(t, wire.TypeShareVideo, share.Kind())
	assert.Equal(t, canonical, share.VideoURL)
}

func TestRemoteShareSuppressesLocalShare(t *testing.T) {
	out := &captureSend{}
	c := NewController(out.send)

	c.HandleRemote(&wire.VideoShare{VideoURL: "https://example.com/movie.mp4"})

	assert.False(t, c.CanShare())
	_, err := c.ShareSource("https://example.com/mine.mp4")
	assert.ErrorIs(t, err, ErrSourceAlreadySet)
	assert.Equal(t, "https://example.com/movie.mp4", c.State().SourceURL)
}

func TestLocalControlBroadcasts(t *testing.T) {
	out := &captureSend{}
	c := NewController(out.send)

	require.NoError(t, c.LocalControl(wire.ActionPlay, 12.5))

	st := c.State()
	assert.True(t, st.Playing)
	assert.Equal(t, 12.5, st.Position)

	require.Len(t, out.sent, 1)
	ctl, ok := out.sent[0].(*wire.VideoControl)
	require.True(t, ok)
	assert.Equal(t, wire.ActionPlay, ctl.Action)
	assert.Equal(t, 12.5, ctl.Timestamp)
}

func TestRemoteLastWriteWins(t *testing.T) {
	c := NewController(func(wire.Message) error { return nil })

	require.NoError(t, c.LocalControl(wire.ActionPause, 10))
	c.HandleRemote(&wire.VideoControl{Action: wire.ActionPlay, Timestamp: 42})

	st := c.State()
	assert.True(t, st.Playing)
	assert.Equal(t, 42.0, st.Position)
}

func TestSeekKeepsPlayState(t *testing.T) {
	c := NewController(func(wire.Message) error { return nil })

	require.NoError(t, c.LocalControl(wire.ActionPlay, 5))
	c.HandleRemote(&wire.VideoControl{Action: wire.ActionSeek, Timestamp: 90})

	st := c.State()
	assert.True(t, st.Playing)
	assert.Equal(t, 90.0, st.Position)
}

func TestOnStateFires(t *testing.T) {
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(func(wire.Message) error { return nil }).
		WithClock(func() time.Time { return clock })

	var states []State
	c.OnState(func(s State) { states = append(states, s) })

	require.NoError(t, c.LocalControl(wire.ActionPlay, 0))
	c.HandleRemote(&wire.VideoControl{Action: wire.ActionPause, Timestamp: 3})

	require.Len(t, states, 2)
	assert.True(t, states[0].Playing)
	assert.False(t, states[1].Playing)
	assert.Equal(t, clock, states[1].LastUpdatedAt)
}
