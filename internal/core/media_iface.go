package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerTransport is one peer-to-peer media connection. The pion-backed
// implementation lives in the call package; tests substitute fakes.
type PeerTransport interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all underlying media resources.
	Close()
	// CreateOffer creates and installs the local offer description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates and installs the local answer description.
	// The remote offer must already be applied.
	CreateAnswer() (webrtc.SessionDescription, error)
	// SetRemoteDescription applies the remote offer or answer.
	SetRemoteDescription(webrtc.SessionDescription) error
	// RemoteDescriptionSet reports whether a remote description is applied.
	RemoteDescriptionSet() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddTrack attaches a local track to the underlying PeerConnection.
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnConnected sets a callback for the transport reaching the connected state.
	OnConnected(func())
	// OnClosed sets a callback for cleanup when the transport dies.
	OnClosed(func())
}

// MediaSource is the room's getUserMedia-equivalent: a set of local tracks
// plus mute toggles. Acquisition failure stays local to the caller.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	// Close releases the underlying devices. Idempotent.
	Close()
}

// MediaOpener acquires local capture media. Injected into the call
// negotiator so tests and headless builds run without devices.
type MediaOpener func() (MediaSource, error)
