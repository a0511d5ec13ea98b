package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/wire"
)

type fakeConn struct {
	frames []core.Frame
	err    error
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) State() core.ConnectionState { return core.StateOpen }

func (f *fakeConn) States() <-chan core.ConnectionState { return nil }

func (f *fakeConn) Close() {}

func TestDispatchRoutesByType(t *testing.T) {
	r := New(&fakeConn{})

	var got []wire.Message
	r.Register(wire.TypeChat, func(m wire.Message) { got = append(got, m) })

	r.Dispatch(core.Frame(`{"type":"chat","username":"alice","message":"hi"}`))

	require.Len(t, got, 1)
	c := got[0].(*wire.Chat)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, "hi", c.Message)
}

func TestDispatchDropsUnknownAndMalformed(t *testing.T) {
	r := New(&fakeConn{})

	var calls int
	r.Register(wire.TypeChat, func(wire.Message) { calls++ })

	r.Dispatch(core.Frame(`{"type":"hologram"}`))
	r.Dispatch(core.Frame(`{not json`))
	r.Dispatch(core.Frame(`{"type":"video_control","action":"play"}`)) // no handler

	assert.Zero(t, calls)
}

func TestSendEncodesAndStamps(t *testing.T) {
	conn := &fakeConn{}
	r := New(conn)

	require.NoError(t, r.Send(&wire.Chat{Message: "yo"}))

	require.Len(t, conn.frames, 1)
	assert.JSONEq(t, `{"type":"chat","message":"yo"}`, string(conn.frames[0]))
}

func TestSendPropagatesConnError(t *testing.T) {
	conn := &fakeConn{err: core.ErrNotOpen}
	r := New(conn)

	assert.ErrorIs(t, r.Send(&wire.Chat{Message: "x"}), core.ErrNotOpen)
}
