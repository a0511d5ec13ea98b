package session_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom/watchroom/internal/call"
	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/relay"
	"github.com/watchroom/watchroom/internal/restapi"
	"github.com/watchroom/watchroom/internal/session"
	"github.com/watchroom/watchroom/internal/videosync"
)

// stubTransport negotiates without any real media stack so the whole
// signaling round trip runs over the in-process relay.
type stubTransport struct {
	mu        sync.Mutex
	remoteSet bool
	closed    bool
}

func (s *stubTransport) Start(context.Context) error { return nil }

func (s *stubTransport) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 stub"}, nil
}

func (s *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 stub"}, nil
}

func (s *stubTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	return nil
}

func (s *stubTransport) RemoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (s *stubTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (s *stubTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (s *stubTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (s *stubTransport) OnConnected(func()) {}

func (s *stubTransport) OnClosed(func()) {}

type stubMedia struct{}

func (stubMedia) Tracks() []webrtc.TrackLocal { return nil }

func (stubMedia) SetAudioEnabled(bool) {}

func (stubMedia) SetVideoEnabled(bool) {}

func (stubMedia) Close() {}

type testRoom struct {
	srv    *httptest.Server
	roomID domain.RoomID
}

func newTestRoom(t *testing.T) *testRoom {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(relay.ServerOptions{Secret: "test", Mode: "release"}).Handler())
	t.Cleanup(srv.Close)

	api := restapi.New(srv.URL)
	_, err := api.Login(context.Background(), "creator", "x")
	require.NoError(t, err)
	roomID, err := api.CreateRoom(context.Background(), "integration")
	require.NoError(t, err)
	return &testRoom{srv: srv, roomID: roomID}
}

func (tr *testRoom) join(t *testing.T, username string) *session.Session {
	t.Helper()
	api := restapi.New(tr.srv.URL)
	_, err := api.Login(context.Background(), username, "x")
	require.NoError(t, err)
	m, err := api.Membership(tr.roomID)
	require.NoError(t, err)

	s := session.New(session.Options{
		ServerURL: tr.srv.URL,
		Factory:   func(domain.UserID) (core.PeerTransport, error) { return &stubTransport{}, nil },
		Media:     func() (core.MediaSource, error) { return stubMedia{}, nil },
	})
	require.NoError(t, s.Join(context.Background(), m))
	t.Cleanup(s.Leave)
	return s
}

// waitFor polls a snapshot accessor until the predicate holds.
func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	require.Eventually(t, pred, 3*time.Second, 20*time.Millisecond, what)
}

func TestJoinPopulatesPresence(t *testing.T) {
	room := newTestRoom(t)

	alice := room.join(t, "alice")
	waitFor(t, "own roster entry", func() bool { return len(alice.Presence()) == 1 })

	bob := room.join(t, "bob")
	waitFor(t, "both rosters grown", func() bool {
		return len(alice.Presence()) == 2 && len(bob.Presence()) == 2
	})

	names := map[string]bool{}
	for _, u := range alice.Presence() {
		names[u.Username] = true
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestDoubleJoinRejected(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")

	api := restapi.New(room.srv.URL)
	_, err := api.Login(context.Background(), "alice", "x")
	require.NoError(t, err)
	m, err := api.Membership(room.roomID)
	require.NoError(t, err)

	assert.ErrorIs(t, alice.Join(context.Background(), m), session.ErrAlreadyJoined)
}

func TestChatDeliveredWithLocalEcho(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")
	bob := room.join(t, "bob")
	waitFor(t, "roster settled", func() bool { return len(bob.Presence()) == 2 })

	require.NoError(t, alice.SendChat("hello room"))

	// the sender sees exactly its optimistic echo
	waitFor(t, "local echo", func() bool { return len(alice.ChatHistory()) == 1 })
	assert.Equal(t, "alice", alice.ChatHistory()[0].From)
	assert.Equal(t, "hello room", alice.ChatHistory()[0].Text)

	waitFor(t, "chat delivered", func() bool { return len(bob.ChatHistory()) == 1 })
	assert.Equal(t, "alice", bob.ChatHistory()[0].From)

	select {
	case e := <-bob.ChatEvents():
		assert.Equal(t, "hello room", e.Text)
	case <-time.After(time.Second):
		t.Fatal("no chat event emitted")
	}
}

func TestVideoShareAndControlPropagate(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")
	bob := room.join(t, "bob")
	waitFor(t, "roster settled", func() bool { return len(bob.Presence()) == 2 })

	canonical, err := alice.ShareVideo("https://drive.google.com/file/d/abc/view?usp=sharing")
	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/file/d/abc/preview?enablejsapi=1", canonical)

	waitFor(t, "share propagated", func() bool { return bob.VideoState().SourceURL == canonical })

	// the source is room-wide single-shot
	_, err = bob.ShareVideo("https://example.com/other.mp4")
	assert.ErrorIs(t, err, videosync.ErrSourceAlreadySet)

	require.NoError(t, alice.ControlVideo("play", 42))
	waitFor(t, "control propagated", func() bool {
		st := bob.VideoState()
		return st.Playing && st.Position == 42
	})
}

func TestCallNegotiationOverRelay(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")
	bob := room.join(t, "bob")
	waitFor(t, "roster settled", func() bool {
		return len(alice.Presence()) == 2 && len(bob.Presence()) == 2
	})

	require.NoError(t, alice.StartCall())

	// offer reaches bob, bob answers, the answer lands back at alice
	waitFor(t, "callee answering", func() bool {
		for _, st := range bob.CallLinks() {
			if st == call.LinkAnswering {
				return true
			}
		}
		return false
	})
	waitFor(t, "caller link present", func() bool { return len(alice.CallLinks()) == 1 })

	alice.EndCall()
	waitFor(t, "caller links gone", func() bool { return len(alice.CallLinks()) == 0 })
}

func TestLeaveTearsDownAndNotifiesPeers(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")
	bob := room.join(t, "bob")
	waitFor(t, "roster settled", func() bool { return len(alice.Presence()) == 2 })

	require.NoError(t, alice.StartCall())
	waitFor(t, "bob link present", func() bool { return len(bob.CallLinks()) == 1 })

	alice.Leave()

	waitFor(t, "bob roster shrunk", func() bool { return len(bob.Presence()) == 1 })
	waitFor(t, "bob link torn down", func() bool { return len(bob.CallLinks()) == 0 })

	// post-leave operations fail fast and a second leave is a no-op
	assert.ErrorIs(t, alice.SendChat("late"), session.ErrNotJoined)
	alice.Leave()
}

func TestDuplicateChatWithinWindowDropped(t *testing.T) {
	room := newTestRoom(t)
	alice := room.join(t, "alice")
	bob := room.join(t, "bob")
	waitFor(t, "roster settled", func() bool { return len(bob.Presence()) == 2 })

	require.NoError(t, alice.SendChat("once"))
	waitFor(t, "first delivery", func() bool { return len(bob.ChatHistory()) == 1 })

	require.NoError(t, alice.SendChat("once"))
	require.NoError(t, alice.SendChat("twice"))
	waitFor(t, "distinct delivery", func() bool { return len(bob.ChatHistory()) == 2 })

	var texts []string
	for _, e := range bob.ChatHistory() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"once", "twice"}, texts)
}
