package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the session
// state machine drives. It is satisfied by the pion wrapper and by test fakes.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// RemoteTrack is an inbound media track. *webrtc.TrackRemote implements it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerOptions selects which media kinds a connection asks to receive.
type PeerOptions struct {
	RecvAudio bool
	RecvVideo bool
}

// Provider creates peer connections.
type Provider interface {
	NewPeerConnection(opts PeerOptions) (PeerConnection, error)
}
