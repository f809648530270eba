package signalingtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
)

type inbox struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (b *inbox) handle(m signaling.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) all() []signaling.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]signaling.Message(nil), b.msgs...)
}

func TestTransportFanOutInOrder(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	a, b := &inbox{}, &inbox{}

	subA, err := tr.Subscribe(ctx, signaling.Topic("s1"), a.handle)
	require.NoError(t, err)
	_, err = tr.Subscribe(ctx, signaling.Topic("s1"), b.handle)
	require.NoError(t, err)
	other := &inbox{}
	_, err = tr.Subscribe(ctx, signaling.Topic("s2"), other.handle)
	require.NoError(t, err)

	// subscribe has returned, so publishing right away must be seen
	for i := 1; i <= 20; i++ {
		require.NoError(t, tr.Publish(ctx, signaling.Topic("s1"), signaling.Message{Kind: signaling.KindRemoteCandidate, PeerID: "p", Attempt: i}))
	}

	for _, box := range []*inbox{a, b} {
		require.Eventually(t, func() bool { return len(box.all()) == 20 }, time.Second, 5*time.Millisecond)
		for i, m := range box.all() {
			require.Equal(t, i+1, m.Attempt)
		}
	}
	require.Empty(t, other.all())

	require.NoError(t, subA.Close())
	require.NoError(t, subA.Close())
	require.Equal(t, 1, tr.Subscribers(signaling.Topic("s1")))

	require.NoError(t, tr.Publish(ctx, signaling.Topic("s1"), signaling.Message{Kind: signaling.KindOffer, PeerID: "p"}))
	require.Eventually(t, func() bool { return len(b.all()) == 21 }, time.Second, 5*time.Millisecond)
	require.Len(t, a.all(), 20)
	require.Len(t, tr.History(signaling.Topic("s1")), 21)
}

func TestTransportDisconnect(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	tr.Disconnect()

	err := tr.Publish(ctx, signaling.Topic("s"), signaling.Message{Kind: signaling.KindOffer, PeerID: "p"})
	require.ErrorIs(t, err, signaling.ErrTransportUnavailable)
	_, err = tr.Subscribe(ctx, signaling.Topic("s"), func(signaling.Message) {})
	require.ErrorIs(t, err, signaling.ErrTransportUnavailable)

	tr.Reconnect()
	require.NoError(t, tr.Publish(ctx, signaling.Topic("s"), signaling.Message{Kind: signaling.KindOffer, PeerID: "p"}))

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Publish(ctx, signaling.Topic("s"), signaling.Message{Kind: signaling.KindOffer, PeerID: "p"}), signaling.ErrTopicClosed)
}

func TestTransportHandlerMayPublish(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	box := &inbox{}
	_, err := tr.Subscribe(ctx, "t", func(m signaling.Message) {
		box.handle(m)
		if m.Kind == signaling.KindOffer {
			_ = tr.Publish(ctx, "t", signaling.Message{Kind: signaling.KindAnswer, PeerID: m.PeerID})
		}
	})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "t", signaling.Message{Kind: signaling.KindOffer, PeerID: "v"}))
	require.Eventually(t, func() bool { return len(box.all()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, signaling.KindAnswer, box.all()[1].Kind)
}

func TestSubscribeWithRetry(t *testing.T) {
	ctx := context.Background()
	policy := rtc.RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	tr := NewTransport()
	tr.FailSubscribes(2)
	sub, err := signaling.SubscribeWithRetry(ctx, tr, "t", func(signaling.Message) {}, policy, nil)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, 3, tr.SubscribeCalls())

	tr2 := NewTransport()
	tr2.FailSubscribes(10)
	_, err = signaling.SubscribeWithRetry(ctx, tr2, "t", func(signaling.Message) {}, policy, nil)
	require.ErrorIs(t, err, signaling.ErrTransportUnavailable)
	require.Equal(t, 4, tr2.SubscribeCalls())
}
