// Package call drives per-remote-peer WebRTC negotiation: offer/answer/ICE
// exchange over the room socket, media track bindings and teardown. One
// PeerLink per remote participant, owned exclusively by the Negotiator.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/core"
	"github.com/watchroom/watchroom/internal/domain"
	"github.com/watchroom/watchroom/internal/wire"
)

var (
	ErrCallActive = errors.New("call already active")
	ErrNoCall     = errors.New("no active call")
)

// earlyICELimit bounds how many candidates are held for a peer that has no
// link yet (candidate frames racing ahead of the offer).
const earlyICELimit = 32

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOffering
	LinkAwaitingAnswer
	LinkReceivingOffer
	LinkAnswering
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOffering:
		return "offering"
	case LinkAwaitingAnswer:
		return "awaiting_answer"
	case LinkReceivingOffer:
		return "receiving_offer"
	case LinkAnswering:
		return "answering"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// TransportFactory builds the media transport for one remote peer.
type TransportFactory func(remote domain.UserID) (core.PeerTransport, error)

// LinkEvent reports a PeerLink state transition.
type LinkEvent struct {
	Peer  domain.UserID
	State LinkState
}

// PeerLink is the negotiation state for one remote participant. It holds a
// plain peer identifier, never a pointer back into the negotiator.
type PeerLink struct {
	remoteID    domain.UserID
	state       LinkState
	transport   core.PeerTransport
	pending     []webrtc.ICECandidateInit
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (l *PeerLink) State() LinkState { return l.state }

type Negotiator struct {
	ctx          context.Context
	localID      domain.UserID
	send         func(wire.Message) error
	newTransport TransportFactory
	openMedia    core.MediaOpener

	mu       sync.Mutex
	links    map[domain.UserID]*PeerLink
	earlyICE map[domain.UserID][]webrtc.ICECandidateInit
	media    core.MediaSource
	active   bool
	closed   bool

	onLink  func(LinkEvent)
	onTrack func(peer domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func NewNegotiator(
	ctx context.Context,
	localID domain.UserID,
	send func(wire.Message) error,
	factory TransportFactory,
	opener core.MediaOpener,
) *Negotiator {
	return &Negotiator{
		ctx:          ctx,
		localID:      localID,
		send:         send,
		newTransport: factory,
		openMedia:    opener,
		links:        make(map[domain.UserID]*PeerLink),
		earlyICE:     make(map[domain.UserID][]webrtc.ICECandidateInit),
	}
}

// OnLink registers the link-state subscriber.
func (n *Negotiator) OnLink(fn func(LinkEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onLink = fn
}

// OnTrack registers the remote-track subscriber.
func (n *Negotiator) OnTrack(fn func(peer domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTrack = fn
}

// StartCall acquires local media and opens an offer to every given peer.
// Media acquisition failure aborts the whole start; a failure on one peer's
// transport skips only that peer.
func (n *Negotiator) StartCall(peers []domain.UserID) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNoCall
	}
	if n.active {
		n.mu.Unlock()
		return ErrCallActive
	}
	media, err := n.openMedia()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.media = media
	n.active = true
	n.mu.Unlock()

	for _, peer := range peers {
		if peer == n.localID {
			continue
		}
		n.offerTo(peer)
	}
	return nil
}

// offerTo runs the initiator path for one peer. No-op when a link exists.
func (n *Negotiator) offerTo(peer domain.UserID) {
	n.mu.Lock()
	if n.closed || !n.active {
		n.mu.Unlock()
		return
	}
	if _, ok := n.links[peer]; ok {
		n.mu.Unlock()
		return
	}
	link, err := n.newLinkLocked(peer, LinkOffering)
	if err != nil {
		n.mu.Unlock()
		log.Error().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("transport create failed")
		return
	}
	offer, err := link.transport.CreateOffer()
	if err != nil {
		delete(n.links, peer)
		t := link.transport
		n.mu.Unlock()
		t.Close()
		log.Error().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("create offer failed")
		return
	}
	link.state = LinkAwaitingAnswer
	n.mu.Unlock()

	n.emit(LinkEvent{Peer: peer, State: LinkOffering})
	n.emit(LinkEvent{Peer: peer, State: LinkAwaitingAnswer})
	if err := n.send(&wire.Offer{To: peer, Offer: offer}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("offer not delivered")
	}
}

// HandleOffer runs the receiver path. A crossed offer from a peer we are
// already offering to is resolved by identifier order: the lower user id
// keeps its offer, the higher one abandons its attempt and answers instead,
// so both sides converge on a single link.
func (n *Negotiator) HandleOffer(from domain.UserID, desc webrtc.SessionDescription) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if link, ok := n.links[from]; ok {
		switch link.state {
		case LinkOffering, LinkAwaitingAnswer:
			if n.localID < from {
				// our offer wins; the peer will answer it
				n.mu.Unlock()
				log.Debug().Str("module", "call").Str("peer", string(from)).Msg("glare: keeping local offer")
				return
			}
			// yield: drop our attempt and take the callee role
			delete(n.links, from)
			t := link.transport
			link.state = LinkClosed
			n.mu.Unlock()
			t.Close()
			n.emit(LinkEvent{Peer: from, State: LinkClosed})
			n.mu.Lock()
			if n.closed {
				n.mu.Unlock()
				return
			}
		default:
			// duplicate offer for a settled link
			n.mu.Unlock()
			return
		}
	}

	// Answering a first offer pulls us into the call: acquire media lazily.
	if n.media == nil {
		media, err := n.openMedia()
		if err != nil {
			n.mu.Unlock()
			log.Error().Err(err).Str("module", "call").Msg("media acquire failed, offer ignored")
			return
		}
		n.media = media
		n.active = true
	}

	link, err := n.newLinkLocked(from, LinkReceivingOffer)
	if err != nil {
		n.mu.Unlock()
		log.Error().Err(err).Str("module", "call").Str("peer", string(from)).Msg("transport create failed")
		return
	}
	n.mu.Unlock()
	n.emit(LinkEvent{Peer: from, State: LinkReceivingOffer})

	if err := link.transport.SetRemoteDescription(desc); err != nil {
		n.failLink(from, err)
		return
	}
	n.flushPending(from)

	answer, err := link.transport.CreateAnswer()
	if err != nil {
		n.failLink(from, err)
		return
	}

	n.mu.Lock()
	if n.links[from] != link {
		n.mu.Unlock()
		return
	}
	link.state = LinkAnswering
	n.mu.Unlock()
	n.emit(LinkEvent{Peer: from, State: LinkAnswering})

	if err := n.send(&wire.Answer{To: from, Answer: answer}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(from)).Msg("answer not delivered")
	}
}

// HandleAnswer completes the initiator path. Answers for unknown or settled
// links are ignored.
func (n *Negotiator) HandleAnswer(from domain.UserID, desc webrtc.SessionDescription) {
	n.mu.Lock()
	link, ok := n.links[from]
	if !ok || n.closed || link.state != LinkAwaitingAnswer {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := link.transport.SetRemoteDescription(desc); err != nil {
		n.failLink(from, err)
		return
	}
	n.flushPending(from)
}

// HandleCandidate applies a remote ICE candidate. Candidates racing ahead
// of the link or its remote description are buffered, never discarded, and
// flushed in order once the description lands. Candidates for a torn-down
// peer are dropped silently.
func (n *Negotiator) HandleCandidate(from domain.UserID, ci webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	link, ok := n.links[from]
	if !ok {
		buf := n.earlyICE[from]
		if len(buf) < earlyICELimit {
			n.earlyICE[from] = append(buf, ci)
		}
		n.mu.Unlock()
		return
	}
	if !link.transport.RemoteDescriptionSet() {
		link.pending = append(link.pending, ci)
		n.mu.Unlock()
		return
	}
	t := link.transport
	n.mu.Unlock()

	if err := t.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(from)).Msg("candidate rejected")
	}
}

// flushPending drains buffered candidates after the remote description is
// set, preserving arrival order.
func (n *Negotiator) flushPending(peer domain.UserID) {
	n.mu.Lock()
	link, ok := n.links[peer]
	if !ok {
		n.mu.Unlock()
		return
	}
	pending := link.pending
	link.pending = nil
	t := link.transport
	n.mu.Unlock()

	for _, ci := range pending {
		if err := t.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("buffered candidate rejected")
		}
	}
}

// HandlePeerLeft tears down the departed peer's link, if any. A late frame
// for that peer afterwards is a no-op.
func (n *Negotiator) HandlePeerLeft(peer domain.UserID) {
	n.mu.Lock()
	delete(n.earlyICE, peer)
	n.mu.Unlock()
	n.closeLink(peer)
}

// EndCall tears down every link and releases local media. The negotiator
// stays usable for a later StartCall.
func (n *Negotiator) EndCall() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	links := n.links
	n.links = make(map[domain.UserID]*PeerLink)
	n.earlyICE = make(map[domain.UserID][]webrtc.ICECandidateInit)
	media := n.media
	n.media = nil
	n.mu.Unlock()

	for peer, link := range links {
		link.state = LinkClosed
		link.transport.Close()
		n.emit(LinkEvent{Peer: peer, State: LinkClosed})
	}
	if media != nil {
		media.Close()
	}
}

// Shutdown is the terminal teardown used on room leave. After it returns no
// further sends or track updates are observable.
func (n *Negotiator) Shutdown() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.active = false
	links := n.links
	n.links = make(map[domain.UserID]*PeerLink)
	media := n.media
	n.media = nil
	n.mu.Unlock()

	for _, link := range links {
		link.state = LinkClosed
		link.transport.Close()
	}
	if media != nil {
		media.Close()
	}
}

// SetAudioMuted gates the outgoing audio track without renegotiation.
func (n *Negotiator) SetAudioMuted(muted bool) {
	n.mu.Lock()
	media := n.media
	n.mu.Unlock()
	if media != nil {
		media.SetAudioEnabled(!muted)
	}
}

// SetVideoMuted gates the outgoing video track without renegotiation.
func (n *Negotiator) SetVideoMuted(muted bool) {
	n.mu.Lock()
	media := n.media
	n.mu.Unlock()
	if media != nil {
		media.SetVideoEnabled(!muted)
	}
}

// ReplaceVideoTrack swaps the outgoing video track in place on every link,
// the device-switch path. No session renegotiation happens.
func (n *Negotiator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	senders := make([]*webrtc.RTPSender, 0, len(n.links))
	for _, link := range n.links {
		if link.videoSender != nil {
			senders = append(senders, link.videoSender)
		}
	}
	n.mu.Unlock()

	var firstErr error
	for _, s := range senders {
		if err := s.ReplaceTrack(track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReplaceAudioTrack swaps the outgoing audio track in place on every link.
func (n *Negotiator) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	senders := make([]*webrtc.RTPSender, 0, len(n.links))
	for _, link := range n.links {
		if link.audioSender != nil {
			senders = append(senders, link.audioSender)
		}
	}
	n.mu.Unlock()

	var firstErr error
	for _, s := range senders {
		if err := s.ReplaceTrack(track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Links returns the current link states, for observation only.
func (n *Negotiator) Links() map[domain.UserID]LinkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[domain.UserID]LinkState, len(n.links))
	for peer, link := range n.links {
		out[peer] = link.state
	}
	return out
}

// newLinkLocked creates, wires and starts a link. Caller holds n.mu. Any
// ICE candidates that arrived early are moved onto the link's pending list.
func (n *Negotiator) newLinkLocked(peer domain.UserID, state LinkState) (*PeerLink, error) {
	t, err := n.newTransport(peer)
	if err != nil {
		return nil, err
	}
	link := &PeerLink{
		remoteID:  peer,
		state:     state,
		transport: t,
		pending:   n.earlyICE[peer],
	}
	delete(n.earlyICE, peer)

	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		n.sendCandidate(peer, ci)
	})
	t.OnConnected(func() {
		n.markConnected(peer)
	})
	t.OnClosed(func() {
		n.closeLink(peer)
	})
	t.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.mu.Lock()
		gone := n.closed || n.links[peer] == nil
		fn := n.onTrack
		n.mu.Unlock()
		if gone || fn == nil {
			return
		}
		fn(peer, track, receiver)
	})

	if err := t.Start(n.ctx); err != nil {
		t.Close()
		return nil, err
	}

	if n.media != nil {
		for _, track := range n.media.Tracks() {
			sender, err := t.AddTrack(track)
			if err != nil {
				log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("add track failed")
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				link.audioSender = sender
			case webrtc.RTPCodecTypeVideo:
				link.videoSender = sender
			}
		}
	}

	n.links[peer] = link
	return link, nil
}

// sendCandidate forwards a locally gathered candidate, unless the link or
// the negotiator is already gone.
func (n *Negotiator) sendCandidate(peer domain.UserID, ci webrtc.ICECandidateInit) {
	n.mu.Lock()
	gone := n.closed || n.links[peer] == nil
	n.mu.Unlock()
	if gone {
		return
	}
	if err := n.send(&wire.ICECandidate{To: peer, Candidate: ci}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("candidate not delivered")
	}
}

func (n *Negotiator) markConnected(peer domain.UserID) {
	n.mu.Lock()
	link, ok := n.links[peer]
	if !ok || n.closed || link.state == LinkConnected || link.state == LinkClosed {
		n.mu.Unlock()
		return
	}
	link.state = LinkConnected
	n.mu.Unlock()
	n.emit(LinkEvent{Peer: peer, State: LinkConnected})
}

// failLink closes a single link after a negotiation error. Other links and
// the signal channel are untouched.
func (n *Negotiator) failLink(peer domain.UserID, err error) {
	log.Error().Err(err).Str("module", "call").Str("peer", string(peer)).Msg("negotiation failed")
	n.closeLink(peer)
}

func (n *Negotiator) closeLink(peer domain.UserID) {
	n.mu.Lock()
	link, ok := n.links[peer]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.links, peer)
	link.state = LinkClosed
	closed := n.closed
	n.mu.Unlock()

	link.transport.Close()
	if !closed {
		n.emit(LinkEvent{Peer: peer, State: LinkClosed})
	}
}

func (n *Negotiator) emit(ev LinkEvent) {
	n.mu.Lock()
	fn := n.onLink
	closed := n.closed
	n.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(ev)
}
