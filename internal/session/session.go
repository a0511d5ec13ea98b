// Package session composes the room sub-protocols behind a single facade:
// one join/leave entry point, action methods and observable event streams.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/call"
	"github.com/watchroom/watchroom/internal/chat"
	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/presence"
	"github.com/watchroom/watchroom/internal/router"
	"github.com/watchroom/watchroom/internal/transport"
	"github.com/watchroom/watchroom/internal/videosync"
	"github.com/watchroom/watchroom/internal/wire"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
)

// DialFunc matches transport.Dial; tests substitute their own.
type DialFunc func(ctx context.Context, url string, onFrame func(core.Frame), opts transport.Options) (core.SignalConn, error)

type Options struct {
	ServerURL   string
	STUNServers []string
	DedupWindow time.Duration
	Transport   transport.Options

	// Dial, Factory and Media default to the production implementations.
	Dial    DialFunc
	Factory call.TransportFactory
	Media   core.MediaOpener
}

func (o *Options) withDefaults() {
	if o.DedupWindow == 0 {
		o.DedupWindow = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, url string, onFrame func(core.Frame), opts transport.Options) (core.SignalConn, error) {
			return transport.Dial(ctx, url, onFrame, opts)
		}
	}
	if o.Factory == nil {
		o.Factory = call.NewTransportFactory(o.STUNServers)
	}
	if o.Media == nil {
		o.Media = call.OpenSampleMedia
	}
}

// Session is one participant's attachment to one room. Create, Join once,
// Leave once; a new room means a new Session.
type Session struct {
	opts Options

	mu         sync.Mutex
	membership domain.Membership
	conn       core.SignalConn
	router     *router.Router
	roster     *presence.Tracker
	chatLog    *chat.Log
	video      *videosync.Controller
	calls      *call.Negotiator
	cancel     context.CancelFunc
	joined     bool
	// alive gates every asynchronous continuation: once Leave flips it,
	// in-flight work may still unwind but produces no observable effect.
	alive bool

	presenceEv chan []domain.User
	chatEv     chan chat.Entry
	videoEv    chan videosync.State
	callEv     chan call.LinkEvent
	connEv     chan core.ConnectionState

	onRemoteTrack func(peer domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func New(opts Options) *Session {
	opts.withDefaults()
	return &Session{
		opts:       opts,
		presenceEv: make(chan []domain.User, 16),
		chatEv:     make(chan chat.Entry, 64),
		videoEv:    make(chan videosync.State, 16),
		callEv:     make(chan call.LinkEvent, 16),
		connEv:     make(chan core.ConnectionState, 8),
	}
}

func (s *Session) PresenceEvents() <-chan []domain.User { return s.presenceEv }

func (s *Session) ChatEvents() <-chan chat.Entry { return s.chatEv }

func (s *Session) VideoEvents() <-chan videosync.State { return s.videoEv }

func (s *Session) CallEvents() <-chan call.LinkEvent { return s.callEv }

func (s *Session) ConnEvents() <-chan core.ConnectionState { return s.connEv }

// OnRemoteTrack registers the consumer for inbound call media. Must be set
// before Join.
func (s *Session) OnRemoteTrack(fn func(peer domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoteTrack = fn
}

// Join connects to the room and wires every sub-protocol to the router.
func (s *Session) Join(ctx context.Context, m domain.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return ErrAlreadyJoined
	}

	url, err := transport.RoomURL(s.opts.ServerURL, string(m.RoomID), m.AuthToken)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	s.membership = m
	s.roster = presence.NewTracker()
	s.chatLog = chat.NewLog(s.opts.DedupWindow)
	s.alive = true

	conn, err := s.opts.Dial(ctx, url, s.onFrame, s.opts.Transport)
	if err != nil {
		cancel()
		s.alive = false
		return err
	}
	s.conn = conn
	s.cancel = cancel
	s.joined = true

	s.router = router.New(conn)
	s.video = videosync.NewController(s.router.Send)
	s.calls = call.NewNegotiator(ctx, m.LocalUserID, s.router.Send, s.opts.Factory, s.opts.Media)

	s.roster.OnChange(s.handleRosterChange)
	s.chatLog.OnAppend(func(e chat.Entry) { emit(s.chatEv, e, "chat") })
	s.video.OnState(func(st videosync.State) { emit(s.videoEv, st, "video") })
	s.calls.OnLink(func(ev call.LinkEvent) { emit(s.callEv, ev, "call") })
	if s.onRemoteTrack != nil {
		s.calls.OnTrack(s.onRemoteTrack)
	}

	s.router.Register(wire.TypePresenceUpdate, s.handlePresence)
	s.router.Register(wire.TypeChat, s.handleChat)
	s.router.Register(wire.TypeVideoControl, s.handleVideo)
	s.router.Register(wire.TypeVideoShare, s.handleVideo)
	s.router.Register(wire.TypeOffer, s.handleOffer)
	s.router.Register(wire.TypeAnswer, s.handleAnswer)
	s.router.Register(wire.TypeICECandidate, s.handleCandidate)
	s.router.Register(wire.TypePing, func(wire.Message) {})

	go s.watchConn(conn)

	log.Info().Str("module", "session").Str("room", string(m.RoomID)).
		Str("user", string(m.LocalUserID)).Msg("joined room")
	return nil
}

// Leave tears everything down symmetrically: all peer links closed, local
// media stopped, socket closed. Idempotent.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined || !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	conn := s.conn
	calls := s.calls
	cancel := s.cancel
	room := s.membership.RoomID
	s.mu.Unlock()

	calls.Shutdown()
	conn.Close()
	cancel()
	log.Info().Str("module", "session").Str("room", string(room)).Msg("left room")
}

// onFrame runs on the transport read goroutine: strict arrival order, one
// frame at a time, nothing dispatched after Leave.
func (s *Session) onFrame(f core.Frame) {
	s.mu.Lock()
	alive := s.alive
	r := s.router
	s.mu.Unlock()
	if !alive || r == nil {
		return
	}
	r.Dispatch(f)
}

func (s *Session) watchConn(conn core.SignalConn) {
	for st := range conn.States() {
		emit(s.connEv, st, "conn")
		if st == core.StateFailed {
			log.Warn().Str("module", "session").Msg("connection failed, room degraded to disconnected")
		}
		if st == core.StateClosed || st == core.StateFailed {
			return
		}
	}
}

// SendChat appends the optimistic local echo and emits the frame.
// Best-effort: a drop on a non-open connection is reported, not retried.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	if !s.joined || !s.alive {
		s.mu.Unlock()
		return ErrNotJoined
	}
	username := s.membership.Username
	logbook := s.chatLog
	r := s.router
	s.mu.Unlock()

	logbook.Append(username, text)
	return r.Send(&wire.Chat{Message: text})
}

// ShareVideo normalizes and announces a video source for the room.
func (s *Session) ShareVideo(rawURL string) (string, error) {
	s.mu.Lock()
	if !s.joined || !s.alive {
		s.mu.Unlock()
		return "", ErrNotJoined
	}
	v := s.video
	s.mu.Unlock()
	return v.ShareSource(rawURL)
}

// ControlVideo applies a local play/pause/seek and broadcasts it.
func (s *Session) ControlVideo(action wire.VideoAction, position float64) error {
	s.mu.Lock()
	if !s.joined || !s.alive {
		s.mu.Unlock()
		return ErrNotJoined
	}
	v := s.video
	s.mu.Unlock()
	return v.LocalControl(action, position)
}

// StartCall opens a peer link to every current participant.
func (s *Session) StartCall() error {
	s.mu.Lock()
	if !s.joined || !s.alive {
		s.mu.Unlock()
		return ErrNotJoined
	}
	roster := s.roster
	calls := s.calls
	self := s.membership.LocalUserID
	s.mu.Unlock()

	var peers []domain.UserID
	for _, u := range roster.Snapshot() {
		if u.ID != self {
			peers = append(peers, u.ID)
		}
	}
	return calls.StartCall(peers)
}

// EndCall hangs up locally; other participants keep their call.
func (s *Session) EndCall() {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls != nil {
		calls.EndCall()
	}
}

func (s *Session) SetAudioMuted(muted bool) {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls != nil {
		calls.SetAudioMuted(muted)
	}
}

func (s *Session) SetVideoMuted(muted bool) {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls != nil {
		calls.SetVideoMuted(muted)
	}
}

// SwitchVideoTrack is the camera-change path: the outgoing track is
// replaced in place on every live peer link.
func (s *Session) SwitchVideoTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls == nil {
		return ErrNotJoined
	}
	return calls.ReplaceVideoTrack(track)
}

// Presence returns the current roster snapshot.
func (s *Session) Presence() []domain.User {
	s.mu.Lock()
	roster := s.roster
	s.mu.Unlock()
	if roster == nil {
		return nil
	}
	return roster.Snapshot()
}

// ChatHistory returns the accumulated chat log.
func (s *Session) ChatHistory() []chat.Entry {
	s.mu.Lock()
	logbook := s.chatLog
	s.mu.Unlock()
	if logbook == nil {
		return nil
	}
	return logbook.Entries()
}

// VideoState returns the current shared playback state.
func (s *Session) VideoState() videosync.State {
	s.mu.Lock()
	v := s.video
	s.mu.Unlock()
	if v == nil {
		return videosync.State{}
	}
	return v.State()
}

// CallLinks returns the live peer link states.
func (s *Session) CallLinks() map[domain.UserID]call.LinkState {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	if calls == nil {
		return nil
	}
	return calls.Links()
}

func (s *Session) handlePresence(m wire.Message) {
	pu, ok := m.(*wire.PresenceUpdate)
	if !ok {
		return
	}
	users := make([]domain.User, 0, len(pu.Users))
	for _, e := range pu.Users {
		users = append(users, domain.User{ID: e.ID, Username: e.Username})
	}
	s.roster.Apply(users)
}

func (s *Session) handleRosterChange(snapshot []domain.User, _, left []domain.UserID) {
	emit(s.presenceEv, snapshot, "presence")
	// a departed peer's call link dies with it; late frames for that peer
	// become no-ops
	for _, id := range left {
		s.calls.HandlePeerLeft(id)
	}
}

func (s *Session) handleChat(m wire.Message) {
	c, ok := m.(*wire.Chat)
	if !ok {
		return
	}
	s.chatLog.Append(c.Username, c.Message)
}

func (s *Session) handleVideo(m wire.Message) {
	s.video.HandleRemote(m)
}

func (s *Session) handleOffer(m wire.Message) {
	o, ok := m.(*wire.Offer)
	if !ok {
		return
	}
	s.calls.HandleOffer(o.From, o.Offer)
}

func (s *Session) handleAnswer(m wire.Message) {
	a, ok := m.(*wire.Answer)
	if !ok {
		return
	}
	s.calls.HandleAnswer(a.From, a.Answer)
}

func (s *Session) handleCandidate(m wire.Message) {
	c, ok := m.(*wire.ICECandidate)
	if !ok {
		return
	}
	s.calls.HandleCandidate(c.From, c.Candidate)
}

// emit never blocks an event producer: a full subscriber channel drops the
// event with a diagnostic.
func emit[T any](ch chan T, v T, kind string) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("module", "session").Str("stream", kind).Msg("subscriber lagging, event dropped")
	}
}
