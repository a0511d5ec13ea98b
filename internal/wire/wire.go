// Package wire defines the JSON frames multiplexed over the room socket.
// Every frame carries a "type" discriminator; exactly one payload shape is
// active per frame. Unknown discriminators are not errors, callers drop them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/watchroom/watchroom/internal/domain"
)

type Type string

const (
	TypePresenceUpdate Type = "presence_update"
	TypeChat           Type = "chat"
	TypeVideoControl   Type = "video_control"
	TypeVideoShare     Type = "video_share"
	// TypeShareVideo is the client->server spelling of a video share; the
	// relay rebroadcasts it as TypeVideoShare.
	TypeShareVideo   Type = "share_video"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypePing         Type = "ping"
)

var ErrUnknownType = errors.New("unknown message type")

type VideoAction string

const (
	ActionPlay  VideoAction = "play"
	ActionPause VideoAction = "pause"
	ActionSeek  VideoAction = "seek"
)

// Message is implemented by every frame payload.
type Message interface {
	Kind() Type
}

type RosterEntry struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
}

// PresenceUpdate replaces the full room roster. Snapshots are authoritative,
// there is no incremental add/remove frame.
type PresenceUpdate struct {
	Type  Type          `json:"type"`
	Users []RosterEntry `json:"users"`
}

type Chat struct {
	Type Type `json:"type"`
	// Username is stamped by the server on fan-out; clients omit it.
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
}

type VideoControl struct {
	Type   Type        `json:"type"`
	Action VideoAction `json:"action"`
	// Timestamp is the playback position in seconds.
	Timestamp float64 `json:"timestamp"`
	VideoURL  string  `json:"video_url,omitempty"`
}

type VideoShare struct {
	Type     Type   `json:"type"`
	VideoURL string `json:"video_url"`
}

type Offer struct {
	Type  Type                      `json:"type"`
	From  domain.UserID             `json:"from,omitempty"`
	To    domain.UserID             `json:"to,omitempty"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Type   Type                      `json:"type"`
	From   domain.UserID             `json:"from,omitempty"`
	To     domain.UserID             `json:"to,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Type      Type                    `json:"type"`
	From      domain.UserID           `json:"from,omitempty"`
	To        domain.UserID           `json:"to,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type Ping struct {
	Type Type `json:"type"`
}

func (m *PresenceUpdate) Kind() Type { return TypePresenceUpdate }
func (m *Chat) Kind() Type { return TypeChat }
func (m *VideoControl) Kind() Type { return TypeVideoControl }
func (m *VideoShare) Kind() Type {
	if m.Type == TypeShareVideo {
		return TypeShareVideo
	}
	return TypeVideoShare
}
func (m *Offer) Kind() Type { return TypeOffer }
func (m *Answer) Kind() Type { return TypeAnswer }
func (m *ICECandidate) Kind() Type { return TypeICECandidate }
func (m *Ping) Kind() Type { return TypePing }

// Decode parses a raw frame into its typed payload. A frame whose
// discriminator is not recognized returns ErrUnknownType so the caller can
// drop it without treating it as malformed.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypePresenceUpdate:
		msg = &PresenceUpdate{}
	case TypeChat:
		msg = &Chat{}
	case TypeVideoControl:
		msg = &VideoControl{}
	case TypeVideoShare, TypeShareVideo:
		msg = &VideoShare{}
	case TypeOffer:
		msg = &Offer{}
	case TypeAnswer:
		msg = &Answer{}
	case TypeICECandidate:
		msg = &ICECandidate{}
	case TypePing:
		msg = &Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}

// Encode marshals a typed payload, filling in the discriminator so callers
// never construct a frame with a missing or mismatched type field.
func Encode(m Message) ([]byte, error) {
	stamp(m)
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return b, nil
}

func stamp(m Message) {
	switch v := m.(type) {
	case *PresenceUpdate:
		v.Type = TypePresenceUpdate
	case *Chat:
		v.Type = TypeChat
	case *VideoControl:
		v.Type = TypeVideoControl
	case *VideoShare:
		if v.Type != TypeShareVideo {
			v.Type = TypeVideoShare
		}
	case *Offer:
		v.Type = TypeOffer
	case *Answer:
		v.Type = TypeAnswer
	case *ICECandidate:
		v.Type = TypeICECandidate
	case *Ping:
		v.Type = TypePing
	}
}
