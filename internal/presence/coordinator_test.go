package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/signaling/internal/models"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/signaling/signalingtest"
)

// memStore is an in-memory StreamStore and ViewerStore with the same
// constraints as the SQL schema.
type memStore struct {
	mu        sync.Mutex
	channels  map[uuid.UUID]bool
	streams   map[uuid.UUID]*models.Stream
	viewers   map[uuid.UUID]*models.Viewer
	countErrs int
}

func newMemStore() *memStore {
	return &memStore{
		channels: make(map[uuid.UUID]bool),
		streams:  make(map[uuid.UUID]*models.Stream),
		viewers:  make(map[uuid.UUID]*models.Viewer),
	}
}

func (m *memStore) addChannel() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.channels[id] = false
	return id
}

func (m *memStore) StartLive(_ context.Context, channelID uuid.UUID, title string) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return nil, models.ErrNotFound
	}
	now := time.Now()
	for _, s := range m.streams {
		if s.ChannelID == channelID && s.IsLive {
			m.endLocked(s, now)
		}
	}
	s := &models.Stream{ID: uuid.New(), ChannelID: channelID, Title: title, IsLive: true, StartedAt: &now, CreatedAt: now}
	m.streams[s.ID] = s
	m.channels[channelID] = true
	cp := *s
	return &cp, nil
}

func (m *memStore) endLocked(s *models.Stream, now time.Time) {
	s.IsLive = false
	s.EndedAt = &now
	s.ViewerCount = 0
	for _, v := range m.viewers {
		if v.StreamID == s.ID && v.LeftAt == nil {
			v.LeftAt = &now
		}
	}
	m.channels[s.ChannelID] = false
}

func (m *memStore) End(_ context.Context, streamID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return false, models.ErrNotFound
	}
	if !s.IsLive {
		return false, nil
	}
	m.endLocked(s, time.Now())
	return true, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) UpdateViewerCount(_ context.Context, id uuid.UUID, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok && s.IsLive {
		s.ViewerCount = count
	}
	return nil
}

func (m *memStore) Register(_ context.Context, streamID uuid.UUID, id models.ViewerIdentity) (*models.Viewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok || !s.IsLive {
		return nil, models.ErrStreamNotLive
	}
	for _, v := range m.viewers {
		if v.StreamID == streamID && v.LeftAt == nil && strings.EqualFold(v.Email, id.Email) {
			cp := *v
			return &cp, nil
		}
	}
	v := &models.Viewer{ID: uuid.New(), StreamID: streamID, Email: id.Email, FirstName: id.FirstName, LastName: id.LastName, JoinedAt: time.Now()}
	m.viewers[v.ID] = v
	cp := *v
	return &cp, nil
}

func (m *memStore) MarkLeft(_ context.Context, viewerID uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.viewers[viewerID]
	if !ok {
		return uuid.Nil, false, models.ErrNotFound
	}
	if v.LeftAt != nil {
		return v.StreamID, false, nil
	}
	now := time.Now()
	v.LeftAt = &now
	return v.StreamID, true, nil
}

func (m *memStore) CountPresent(_ context.Context, streamID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErrs > 0 {
		m.countErrs--
		return 0, errors.New("connection reset")
	}
	n := 0
	for _, v := range m.viewers {
		if v.StreamID == streamID && v.LeftAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *memStore) stream(id uuid.UUID) models.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.streams[id]
}

func (m *memStore) viewer(id uuid.UUID) models.Viewer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.viewers[id]
}

func (m *memStore) failCounts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countErrs = n
}

type statusInbox struct {
	mu   sync.Mutex
	list []signaling.StatusPayload
}

func (s *statusInbox) handle(m signaling.Message) {
	if m.Kind != signaling.KindStatusUpdate {
		return
	}
	var p signaling.StatusPayload
	if err := m.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, p)
}

func (s *statusInbox) last() (signaling.StatusPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.list) == 0 {
		return signaling.StatusPayload{}, false
	}
	return s.list[len(s.list)-1], true
}

func (s *statusInbox) has(want signaling.StatusPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.list {
		if p == want {
			return true
		}
	}
	return false
}

func setup(t *testing.T, interval time.Duration) (*Coordinator, *memStore, *signalingtest.Transport) {
	t.Helper()
	store := newMemStore()
	tr := signalingtest.NewTransport()
	t.Cleanup(func() { _ = tr.Close() })
	return NewCoordinator(store, store, tr, interval, nil), store, tr
}

func listen(t *testing.T, tr *signalingtest.Transport, streamID uuid.UUID) *statusInbox {
	t.Helper()
	box := &statusInbox{}
	_, err := tr.Subscribe(context.Background(), signaling.Topic(streamID.String()), box.handle)
	require.NoError(t, err)
	return box
}

func ident(email string) models.ViewerIdentity {
	return models.ViewerIdentity{Email: email, FirstName: "Ada", LastName: "Lovelace"}
}

func TestStartBroadcastMarksLive(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t, time.Hour)
	ch := store.addChannel()

	s, err := c.StartBroadcast(ctx, ch, "launch")
	require.NoError(t, err)
	require.True(t, s.IsLive)
	require.NotNil(t, s.StartedAt)
	require.Zero(t, s.ViewerCount)

	_, err = c.StartBroadcast(ctx, uuid.New(), "nowhere")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStartBroadcastEndsStaleStream(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t, time.Hour)
	ch := store.addChannel()

	first, err := c.StartBroadcast(ctx, ch, "one")
	require.NoError(t, err)
	v, err := c.RegisterViewer(ctx, first.ID, ident("a@example.com"))
	require.NoError(t, err)

	second, err := c.StartBroadcast(ctx, ch, "two")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.False(t, store.stream(first.ID).IsLive)
	require.NotNil(t, store.viewer(v.ID).LeftAt)
}

func TestRegisterViewerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t, time.Hour)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)

	a, err := c.RegisterViewer(ctx, s.ID, ident("ada@example.com"))
	require.NoError(t, err)
	b, err := c.RegisterViewer(ctx, s.ID, ident("ADA@example.com"))
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	// after leaving, a new join is a new record
	require.NoError(t, c.ViewerLeft(ctx, a.ID))
	again, err := c.RegisterViewer(ctx, s.ID, ident("ada@example.com"))
	require.NoError(t, err)
	require.NotEqual(t, a.ID, again.ID)
}

func TestRegisterViewerRequiresLiveStream(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t, time.Hour)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	require.NoError(t, c.StopBroadcast(ctx, s.ID))

	_, err = c.RegisterViewer(ctx, s.ID, ident("late@example.com"))
	require.ErrorIs(t, err, ErrStreamNotLive)
}

func TestRefreshPersistsAndPublishesCount(t *testing.T) {
	ctx := context.Background()
	c, store, tr := setup(t, time.Hour)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	box := listen(t, tr, s.ID)

	var ids []uuid.UUID
	for _, e := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		v, err := c.RegisterViewer(ctx, s.ID, ident(e))
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	require.NoError(t, c.Refresh(ctx, s.ID))
	require.Equal(t, 3, store.stream(s.ID).ViewerCount)
	require.Eventually(t, func() bool {
		return box.has(signaling.StatusPayload{ViewerCount: 3, IsLive: true})
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ViewerLeft(ctx, ids[1]))
	require.NoError(t, c.Refresh(ctx, s.ID))
	require.Equal(t, 2, store.stream(s.ID).ViewerCount)
}

func TestViewerLeavesOnce(t *testing.T) {
	ctx := context.Background()
	c, store, _ := setup(t, 10*time.Millisecond)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	stay, err := c.RegisterViewer(ctx, s.ID, ident("stay@x.io"))
	require.NoError(t, err)
	v, err := c.RegisterViewer(ctx, s.ID, ident("go@x.io"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(runCtx, s.ID)
	require.Eventually(t, func() bool { return store.stream(s.ID).ViewerCount == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.ViewerLeft(ctx, v.ID))
	left := store.viewer(v.ID).LeftAt
	require.NotNil(t, left)

	require.NoError(t, c.ViewerLeft(ctx, v.ID))
	require.Equal(t, left, store.viewer(v.ID).LeftAt)
	require.Nil(t, store.viewer(stay.ID).LeftAt)

	require.Eventually(t, func() bool { return store.stream(s.ID).ViewerCount == 1 }, time.Second, 5*time.Millisecond)

	err = c.ViewerLeft(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunRetriesFailedRefresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, store, _ := setup(t, 10*time.Millisecond)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	_, err = c.RegisterViewer(ctx, s.ID, ident("a@x.io"))
	require.NoError(t, err)

	// let the join's own refresh settle before injecting failures
	require.Eventually(t, func() bool { return store.stream(s.ID).ViewerCount == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, store.UpdateViewerCount(ctx, s.ID, 0))
	store.failCounts(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, s.ID)
	}()
	require.Eventually(t, func() bool { return store.stream(s.ID).ViewerCount == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStopBroadcast(t *testing.T) {
	ctx := context.Background()
	c, store, tr := setup(t, time.Hour)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	box := listen(t, tr, s.ID)
	v, err := c.RegisterViewer(ctx, s.ID, ident("a@x.io"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return box.has(signaling.StatusPayload{ViewerCount: 1, IsLive: true})
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.StopBroadcast(ctx, s.ID))
	got := store.stream(s.ID)
	require.False(t, got.IsLive)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, store.viewer(v.ID).LeftAt)

	require.Eventually(t, func() bool {
		p, ok := box.last()
		return ok && !p.IsLive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.StopBroadcast(ctx, s.ID))
	require.ErrorIs(t, c.StopBroadcast(ctx, uuid.New()), ErrNotFound)
}

func TestObserveTransitionRefreshes(t *testing.T) {
	ctx := context.Background()
	c, store, tr := setup(t, time.Hour)
	s, err := c.StartBroadcast(ctx, store.addChannel(), "t")
	require.NoError(t, err)
	box := listen(t, tr, s.ID)

	observe := c.ObserveTransition(s.ID)
	observe(nil, rtc.Transition{PeerID: "v", From: rtc.StateIdle, To: rtc.StateNegotiating})
	time.Sleep(20 * time.Millisecond)
	_, ok := box.last()
	require.False(t, ok)

	observe(nil, rtc.Transition{PeerID: "v", From: rtc.StateNegotiating, To: rtc.StateConnected})
	require.Eventually(t, func() bool {
		p, ok := box.last()
		return ok && p.IsLive
	}, time.Second, 5*time.Millisecond)
}
