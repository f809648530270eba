package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/aura-live/signaling/internal/broadcaster"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/rtc/rtctest"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/signaling/signalingtest"
)

const streamID = "stream-1"

var fastCycles = rtc.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type presenceSpy struct {
	calls atomic.Int32
	last  atomic.String
}

func (p *presenceSpy) ViewerLeft(_ context.Context, id uuid.UUID) error {
	p.calls.Inc()
	p.last.Store(id.String())
	return nil
}

type sinkSpy struct {
	mu     sync.Mutex
	tracks []string
}

func (s *sinkSpy) HandleTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t.ID())
}

func (s *sinkSpy) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracks...)
}

type topicLog struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (l *topicLog) handle(m signaling.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *topicLog) ofKind(kind signaling.Kind) []signaling.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []signaling.Message
	for _, m := range l.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func listen(t *testing.T, tr signaling.Transport) *topicLog {
	t.Helper()
	l := &topicLog{}
	_, err := tr.Subscribe(context.Background(), signaling.Topic(streamID), l.handle)
	require.NoError(t, err)
	return l
}

func publish(t *testing.T, tr signaling.Transport, kind signaling.Kind, peer string, attempt int, payload any) {
	t.Helper()
	msg, err := signaling.NewMessage(kind, peer, attempt, payload)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), signaling.Topic(streamID), msg))
}

func newClient(t *testing.T, tr signaling.Transport, provider rtc.Provider, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		StreamID:           streamID,
		ViewerID:           uuid.New(),
		Transport:          tr,
		Provider:           provider,
		CycleBackoff:       fastCycles,
		NegotiationTimeout: time.Second,
		Retry:              rtc.RetryPolicy{MaxAttempts: 1, BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := NewClient(opts)
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

func TestClientConnectsToBroadcaster(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()

	bProvider := &rtctest.Provider{}
	m := broadcaster.NewManager(broadcaster.Options{StreamID: streamID, Transport: tr, Provider: bProvider})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	vProvider := &rtctest.Provider{}
	sink := &sinkSpy{}
	c := newClient(t, tr, vProvider, func(o *Options) { o.Sink = sink })
	require.NoError(t, c.Start(context.Background()))

	vPeer := vProvider.Last()
	require.True(t, vPeer.Opts.RecvAudio)
	require.True(t, vPeer.Opts.RecvVideo)
	require.Eventually(t, func() bool { return vPeer.Remote() != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, webrtc.SDPTypeAnswer, vPeer.Remote().Type)

	bSession := m.Session(c.PeerID())
	require.NotNil(t, bSession)
	bPeer := bProvider.Last()

	// candidates cross in both directions
	vPeer.EmitCandidate(webrtc.ICECandidateInit{Candidate: "from-viewer"})
	bPeer.EmitCandidate(webrtc.ICECandidateInit{Candidate: "from-broadcaster"})
	require.Eventually(t, func() bool { return len(bPeer.Candidates()) == 1 && len(vPeer.Candidates()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "from-viewer", bPeer.Candidates()[0].Candidate)
	require.Equal(t, "from-broadcaster", vPeer.Candidates()[0].Candidate)

	vPeer.EmitState(webrtc.PeerConnectionStateConnected)
	bPeer.EmitState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, rtc.StateConnected, c.Session().State())
	require.Equal(t, rtc.StateConnected, bSession.State())

	vPeer.EmitTrack(&rtctest.Track{TrackID: "video", Stream: "broadcast", TrackKind: webrtc.RTPCodecTypeVideo})
	require.Equal(t, []string{"video"}, sink.ids())
}

func TestClientStartsFreshCycleAfterFailure(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	log := listen(t, tr)
	provider := &rtctest.Provider{}
	c := newClient(t, tr, provider, nil)
	require.NoError(t, c.Start(context.Background()))

	require.Len(t, log.ofKind(signaling.KindOffer), 1)
	first := provider.Last()
	publish(t, tr, signaling.KindAnswer, c.PeerID(), 1, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a1"})
	require.Eventually(t, func() bool { return first.Remote() != nil }, time.Second, 5*time.Millisecond)
	first.EmitState(webrtc.PeerConnectionStateConnected)
	first.EmitState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool { return len(log.ofKind(signaling.KindOffer)) == 2 }, time.Second, 5*time.Millisecond)
	offers := log.ofKind(signaling.KindOffer)
	require.Equal(t, 2, offers[1].Attempt)
	require.Len(t, provider.Peers(), 2)
	second := provider.Last()
	require.True(t, first.Closed())

	// a late answer from the first cycle must not touch the new session
	publish(t, tr, signaling.KindAnswer, c.PeerID(), 1, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"})
	// answers for other viewers are ignored too
	publish(t, tr, signaling.KindAnswer, "someone-else", 2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "other"})
	time.Sleep(20 * time.Millisecond)
	require.Nil(t, second.Remote())

	publish(t, tr, signaling.KindAnswer, c.PeerID(), 2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a2"})
	require.Eventually(t, func() bool { return second.Remote() != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, "a2", second.Remote().SDP)
}

func TestClientGivesUpAfterMaxCycles(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	log := listen(t, tr)
	provider := &rtctest.Provider{}
	c := newClient(t, tr, provider, func(o *Options) {
		o.MaxCycles = 2
		o.NegotiationTimeout = 20 * time.Millisecond
	})
	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-c.Errors():
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection lost error")
	}
	require.Len(t, log.ofKind(signaling.KindOffer), 2)
	require.Nil(t, c.Session())
	// only the test's own listener is left on the topic
	require.Equal(t, 1, tr.Subscribers(signaling.Topic(streamID)))

	time.Sleep(30 * time.Millisecond)
	require.Len(t, log.ofKind(signaling.KindOffer), 2)

	// manual retry
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(log.ofKind(signaling.KindOffer)) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, log.ofKind(signaling.KindOffer)[2].Attempt)
}

type publishDown struct {
	*signalingtest.Transport
	failures atomic.Int32
}

func (p *publishDown) Publish(ctx context.Context, topic string, msg signaling.Message) error {
	if msg.Kind == signaling.KindOffer {
		p.failures.Inc()
		return signaling.ErrTransportUnavailable
	}
	return p.Transport.Publish(ctx, topic, msg)
}

func TestPublishFailureCountsAsFailedCycle(t *testing.T) {
	tr := &publishDown{Transport: signalingtest.NewTransport()}
	defer tr.Close()
	provider := &rtctest.Provider{}
	c := newClient(t, tr, provider, func(o *Options) { o.MaxCycles = 3 })
	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-c.Errors():
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection lost error")
	}
	require.EqualValues(t, 3, tr.failures.Load())
	for _, p := range provider.Peers() {
		require.True(t, p.Closed())
	}
}

func TestProviderFailureCountsAsFailedCycle(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	provider := &rtctest.Provider{}
	provider.Fail(errors.New("no devices"))
	c := newClient(t, tr, provider, func(o *Options) { o.MaxCycles = 2 })
	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-c.Errors():
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection lost error")
	}
}

func TestStartFailsWithoutRelay(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	tr.Disconnect()
	c := newClient(t, tr, &rtctest.Provider{}, func(o *Options) {
		o.SubscribeRetry = rtc.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	})
	require.ErrorIs(t, c.Start(context.Background()), signaling.ErrTransportUnavailable)
}

func TestLeaveRunsOnce(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	provider := &rtctest.Provider{}
	spy := &presenceSpy{}
	c := newClient(t, tr, provider, func(o *Options) { o.Presence = spy })
	require.NoError(t, c.Start(context.Background()))
	peer := provider.Last()

	require.NoError(t, c.Leave(context.Background()))
	require.NoError(t, c.Leave(context.Background()))
	require.EqualValues(t, 1, spy.calls.Load())
	require.Equal(t, c.PeerID(), spy.last.Load())
	require.True(t, peer.Closed())
	require.Zero(t, tr.Subscribers(signaling.Topic(streamID)))

	// closing on leave is not a failed cycle
	time.Sleep(20 * time.Millisecond)
	require.Len(t, provider.Peers(), 1)
	require.Error(t, c.Start(context.Background()))
}

func TestStatusUpdatesAreForwarded(t *testing.T) {
	tr := signalingtest.NewTransport()
	defer tr.Close()
	got := make(chan signaling.StatusPayload, 1)
	c := newClient(t, tr, &rtctest.Provider{}, func(o *Options) {
		o.OnStatus = func(p signaling.StatusPayload) { got <- p }
	})
	require.NoError(t, c.Start(context.Background()))

	publish(t, tr, signaling.KindStatusUpdate, "", 0, signaling.StatusPayload{ViewerCount: 7, IsLive: true})
	select {
	case p := <-got:
		require.Equal(t, 7, p.ViewerCount)
	case <-time.After(time.Second):
		t.Fatal("status not forwarded")
	}
	status, ok := c.Status()
	require.True(t, ok)
	require.True(t, status.IsLive)
}
