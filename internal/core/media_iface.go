package core

import (
	"context"

	"github.com/dkeye/liveroom/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// RemoteTrack is the read side of an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerConnection is the native connection to one remote participant.
type PeerConnection interface {
	// AddLocalTrack attaches an outgoing track; must happen before negotiation.
	AddLocalTrack(track webrtc.TrackLocal) error
	// ReplaceVideoTrack swaps the outgoing video in place, without renegotiation.
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer, then creates and sets the local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

type ConnectionFactory interface {
	NewConnection(peer domain.UserID) (PeerConnection, error)
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaSource produces encoded samples for one local track.
type MediaSource interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	// NextSample blocks until the next sample is due. io.EOF means the source ended.
	NextSample(ctx context.Context) (media.Sample, error)
	Close() error
}

// MediaDevices stands for the capture APIs: camera+microphone and display capture.
type MediaDevices interface {
	UserMedia(ctx context.Context, c MediaConstraints) ([]MediaSource, error)
	DisplayMedia(ctx context.Context) (MediaSource, error)
}
