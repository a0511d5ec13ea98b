package call

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/watchroom/watchroom/internal/core"
)

// sampleSource implements core.MediaSource over two static sample tracks.
// The capture pipeline pushes encoded frames through WriteVideoSample and
// WriteAudioSample; muting gates the writes so the tracks go silent without
// renegotiation.
type sampleSource struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	closed  bool
}

// OpenSampleMedia is the default core.MediaOpener: an opus audio track and
// a VP8 video track, both enabled.
func OpenSampleMedia() (core.MediaSource, error) {
	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, err
	}
	return &sampleSource{audio: audio, video: video, audioOn: true, videoOn: true}, nil
}

func (s *sampleSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *sampleSource) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioOn = on
	s.mu.Unlock()
}

func (s *sampleSource) SetVideoEnabled(on bool) {
	s.mu.Lock()
	s.videoOn = on
	s.mu.Unlock()
}

// WriteAudioSample forwards one encoded audio sample; dropped while muted
// or after Close.
func (s *sampleSource) WriteAudioSample(sample media.Sample) error {
	s.mu.Lock()
	ok := s.audioOn && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.audio.WriteSample(sample)
}

// WriteVideoSample forwards one encoded video frame; dropped while muted
// or after Close.
func (s *sampleSource) WriteVideoSample(sample media.Sample) error {
	s.mu.Lock()
	ok := s.videoOn && !s.closed
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.video.WriteSample(sample)
}

func (s *sampleSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
