package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
)

// pionTransport implements core.PeerTransport on a pion PeerConnection.
// Candidates trickle: they are signaled as gathered, the transport never
// waits for gathering to complete.
type pionTransport struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	cancel context.CancelFunc

	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onConnected func()
	onClosed    func()
}

func defaultRTCConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// NewTransportFactory returns the pion-backed transport constructor used by
// the negotiator outside of tests.
func NewTransportFactory(stunServers []string) TransportFactory {
	cfg := defaultRTCConfig(stunServers)
	return func(remote domain.UserID) (core.PeerTransport, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc, remote: remote}, nil
	}
}

// Start wires the pion callbacks and binds the connection lifetime to ctx:
// when ctx ends the PeerConnection is closed.
func (t *pionTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go func() {
		<-ctx.Done()
		_ = t.pc.Close()
	}()

	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "call.rtc").Str("peer", string(t.remote)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "call.rtc").Str("peer", string(t.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if t.onConnected != nil {
				t.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if t.onClosed != nil {
				t.onClosed()
			}
		}
	})

	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && t.onICE != nil {
			t.onICE(cand.ToJSON())
		}
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "call.rtc").
			Str("peer", string(t.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if t.onTrack != nil {
			t.onTrack(track, receiver)
		}
	})

	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { t.onICE = fn }

func (t *pionTransport) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.onTrack = fn
}

func (t *pionTransport) OnConnected(fn func()) { t.onConnected = fn }

func (t *pionTransport) OnClosed(fn func()) { t.onClosed = fn }

func (t *pionTransport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.pc != nil {
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "call.rtc").Str("peer", string(t.remote)).Msg("close error")
		}
	}
}
