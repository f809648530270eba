package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtcpBufferSize is large enough for any RTCP compound packet pion emits.
const rtcpBufferSize = 1500

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// PionProvider creates pion/webrtc peer connections sharing one API
// (media engine + interceptors) and ICE configuration.
type PionProvider struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log *zap.Logger
}

// NewPionProvider registers the default codecs and interceptors and keeps
// the ordered STUN list. No TURN servers are configured.
func NewPionProvider(iceURLs []string, log *zap.Logger) (*PionProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))
	return &PionProvider{
		api: api,
		cfg: webrtc.Configuration{ICEServers: ParseICEServers(iceURLs)},
		log: log,
	}, nil
}

// ParseICEServers turns an ordered list of STUN URLs into ICE servers,
// falling back to a public STUN server when the list is empty.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// NewPeerConnection implements Provider.
func (p *PionProvider) NewPeerConnection(opts PeerOptions) (PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if opts.RecvAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if opts.RecvVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return &pionPeer{pc: pc, log: p.log}, nil
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so interceptors (NACK, reports) keep working; ends when the connection closes.
	go func() {
		buf := make([]byte, rtcpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug("remote track", zap.String("kind", track.Kind().String()), zap.String("track_id", track.ID()))
		fn(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
