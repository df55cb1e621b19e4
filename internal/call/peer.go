package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtcomm/internal/proto"
)

// RemoteTrack describes a track received from a peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// PeerConnection is the slice of a WebRTC peer connection the controller
// drives. The pion-backed implementation lives in pion.go.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	// Receive adds a receive-only transceiver so the offer still negotiates
	// kind when there is no local track of it.
	Receive(kind webrtc.RTPCodecType) error

	// CreateOffer and CreateAnswer also set the result as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer(ctx context.Context) (PeerConnection, error)
}

func toInit(c proto.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) proto.ICECandidate {
	return proto.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
