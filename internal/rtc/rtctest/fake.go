// Package rtctest provides in-memory peer connections for exercising
// sessions, managers and clients without network access.
package rtctest

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/aura-live/signaling/internal/rtc"
)

// ErrNoRemoteDescription mirrors the real primitive refusing candidates
// before a remote description exists.
var ErrNoRemoteDescription = errors.New("rtctest: remote description not set")

// Peer is a scripted rtc.PeerConnection. Callbacks fire only when the test
// calls the Emit methods.
type Peer struct {
	Opts rtc.PeerOptions
	ID   int

	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	closeCalls  int
	failRemote  error
	failCand    error
	gate        <-chan struct{}
	parked      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(rtc.RemoteTrack)
}

var _ rtc.PeerConnection = (*Peer)(nil)

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.ID)}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("rtctest: answer without remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.ID)}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if gate := p.gate; gate != nil {
		p.parked = true
		p.mu.Unlock()
		<-gate
		p.mu.Lock()
		p.parked = false
	}
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	if desc.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		return errors.New("rtctest: answer without local offer")
	}
	p.remote = &desc
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCand != nil {
		return p.failCand
	}
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) OnTrack(fn func(rtc.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCalls++
	return nil
}

// FailRemoteDescription makes the next SetRemoteDescription calls return err.
func (p *Peer) FailRemoteDescription(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRemote = err
}

// FailCandidates makes AddICECandidate return err.
func (p *Peer) FailCandidates(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCand = err
}

// EmitState reports a connection state as the real primitive would.
func (p *Peer) EmitState(ps webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(ps)
	}
}

// EmitCandidate reports a locally gathered candidate.
func (p *Peer) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack reports an inbound media track.
func (p *Peer) EmitTrack(t rtc.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Tracks returns the attached local tracks.
func (p *Peer) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.tracks...)
}

// Candidates returns applied remote candidates in application order.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// Local returns the local description, if set.
func (p *Peer) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote returns the remote description, if set.
func (p *Peer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Parked reports whether SetRemoteDescription is waiting on its gate.
func (p *Peer) Parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

// Closed reports whether Close was called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls counts Close invocations.
func (p *Peer) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Provider hands out Peers and remembers them in creation order.
type Provider struct {
	mu    sync.Mutex
	peers []*Peer
	fail  error
	gate  <-chan struct{}
}

var _ rtc.Provider = (*Provider)(nil)

func (pr *Provider) NewPeerConnection(opts rtc.PeerOptions) (rtc.PeerConnection, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.fail != nil {
		return nil, pr.fail
	}
	p := &Peer{Opts: opts, ID: len(pr.peers) + 1, gate: pr.gate}
	pr.gate = nil
	pr.peers = append(pr.peers, p)
	return p, nil
}

// Fail makes NewPeerConnection return err until reset with nil.
func (pr *Provider) Fail(err error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.fail = err
}

// GateNext makes SetRemoteDescription on the next created peer block
// until gate is closed.
func (pr *Provider) GateNext(gate <-chan struct{}) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.gate = gate
}

// Peers returns every peer created so far.
func (pr *Provider) Peers() []*Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return append([]*Peer(nil), pr.peers...)
}

// Last returns the most recently created peer, or nil.
func (pr *Provider) Last() *Peer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(pr.peers) == 0 {
		return nil
	}
	return pr.peers[len(pr.peers)-1]
}

// Track is a RemoteTrack whose reads end immediately.
type Track struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
	MimeType  string
}

var _ rtc.RemoteTrack = (*Track)(nil)

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.TrackKind }

func (t *Track) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: t.MimeType}}
}

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// LocalTrack is a minimal webrtc.TrackLocal for attaching to sessions.
type LocalTrack struct {
	TrackID   string
	TrackKind webrtc.RTPCodecType
}

var _ webrtc.TrackLocal = (*LocalTrack)(nil)

func (t *LocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *LocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *LocalTrack) ID() string                            { return t.TrackID }
func (t *LocalTrack) RID() string                           { return "" }
func (t *LocalTrack) StreamID() string                      { return "rtctest" }
func (t *LocalTrack) Kind() webrtc.RTPCodecType             { return t.TrackKind }
