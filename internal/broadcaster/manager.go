// Package broadcaster answers viewer offers on a stream topic and fans the
// broadcaster's local tracks out to one peer session per viewer.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/media"
	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/telemetry"
)

var errAlreadyStarted = errors.New("broadcaster: already started")

// Options configures a Manager. StreamID, Transport and Provider are required.
type Options struct {
	StreamID  string
	Transport signaling.Transport
	Provider  rtc.Provider
	// Source supplies the local tracks attached to every session. It is
	// closed by Stop.
	Source media.Source
	// Retry bounds each session's wait for a dropped connection to recover.
	Retry rtc.RetryPolicy
	// SubscribeRetry bounds attempts to attach to the topic.
	SubscribeRetry rtc.RetryPolicy
	// Observer receives every session transition, after the manager has
	// updated its own bookkeeping.
	Observer rtc.Observer
	Logger   *zap.Logger
}

// Manager owns one session per viewer. At most one non-closed session
// exists per viewer id.
type Manager struct {
	opts   Options
	topic  string
	logger *zap.Logger
	queue  *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*rtc.Session
	sub      signaling.Subscription

	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewManager creates a stopped manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		topic:    signaling.Topic(opts.StreamID),
		logger:   logger.With(zap.String("stream_id", opts.StreamID)),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*rtc.Session),
	}
	m.queue = newDispatcher(m.handlePeerMessage)
	return m
}

// Start attaches to the stream topic. It returns once the subscription is
// confirmed, so offers published afterwards are seen.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return signaling.ErrTopicClosed
	}
	m.mu.Lock()
	if m.sub != nil {
		m.mu.Unlock()
		return errAlreadyStarted
	}
	m.mu.Unlock()

	sub, err := signaling.SubscribeWithRetry(ctx, m.opts.Transport, m.topic, m.onMessage, m.opts.SubscribeRetry, m.logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.topic, err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	if m.stopped.Load() {
		_ = sub.Close()
		return signaling.ErrTopicClosed
	}
	m.logger.Info("broadcaster listening", zap.String("topic", m.topic))
	return nil
}

// Stop closes every session, releases the local tracks and detaches from
// the topic. Safe to call more than once.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		m.cancel()

		m.mu.Lock()
		sub := m.sub
		sessions := make([]*rtc.Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessions = make(map[string]*rtc.Session)
		m.mu.Unlock()

		if sub != nil {
			err = sub.Close()
		}
		for _, s := range sessions {
			_ = s.Close()
		}
		m.queue.wait()
		if m.opts.Source != nil {
			if cerr := m.opts.Source.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		m.logger.Info("broadcaster stopped", zap.Int("sessions_closed", len(sessions)))
	})
	return err
}

// Session returns the current session for a viewer, or nil.
func (m *Manager) Session(peerID string) *rtc.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

// Peers returns the viewer ids with a session, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) onMessage(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer, signaling.KindRemoteCandidate:
		telemetry.Message("in", string(msg.Kind), nil)
		if msg.PeerID == "" || m.stopped.Load() {
			return
		}
		m.queue.dispatch(msg)
	default:
		// answers, our own candidates and status updates
	}
}

func (m *Manager) handlePeerMessage(msg signaling.Message) {
	if m.stopped.Load() {
		return
	}
	log := m.logger.With(zap.String("peer_id", msg.PeerID), zap.Int("attempt", msg.Attempt))
	var err error
	switch msg.Kind {
	case signaling.KindOffer:
		err = m.handleOffer(msg, log)
	case signaling.KindRemoteCandidate:
		err = m.handleCandidate(msg, log)
	}
	if err != nil {
		log.Warn("signaling message failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}

func (m *Manager) handleOffer(msg signaling.Message, log *zap.Logger) error {
	var offer webrtc.SessionDescription
	if err := msg.Decode(&offer); err != nil {
		return err
	}
	peer := msg.PeerID

	if old := m.Session(peer); old != nil {
		log.Info("renegotiation, replacing session", zap.Int("old_attempt", old.Attempt()))
		_ = old.Close()
	}

	pc, err := m.opts.Provider.NewPeerConnection(rtc.PeerOptions{})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	attempt := msg.Attempt
	s := rtc.NewSession(peer, pc, rtc.SessionOptions{
		Attempt:  attempt,
		Retry:    m.opts.Retry,
		Observer: m.observe,
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			if err := m.publish(signaling.KindLocalCandidate, peer, attempt, c); err != nil {
				log.Debug("local candidate not sent", zap.Error(err))
			}
		},
		Logger: m.logger,
	})
	if m.opts.Source != nil {
		for _, track := range m.opts.Source.Tracks() {
			if err := s.AddTrack(track); err != nil {
				_ = s.Close()
				return err
			}
		}
	}

	m.mu.Lock()
	if m.stopped.Load() {
		m.mu.Unlock()
		_ = s.Close()
		return nil
	}
	m.sessions[peer] = s
	m.mu.Unlock()

	answer, err := s.Answer(offer)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	if err := m.publish(signaling.KindAnswer, peer, attempt, answer); err != nil {
		// the viewer never sees this session; it will start a new cycle
		_ = s.Close()
		return fmt.Errorf("publish answer: %w", err)
	}
	log.Info("answered viewer offer")
	return nil
}

func (m *Manager) handleCandidate(msg signaling.Message, log *zap.Logger) error {
	s := m.Session(msg.PeerID)
	if s == nil {
		log.Debug("candidate for unknown peer dropped")
		return nil
	}
	if s.Attempt() != msg.Attempt {
		log.Debug("stale candidate dropped", zap.Int("session_attempt", s.Attempt()))
		return nil
	}
	var c webrtc.ICECandidateInit
	if err := msg.Decode(&c); err != nil {
		return err
	}
	return s.AddRemoteCandidate(c)
}

func (m *Manager) observe(s *rtc.Session, t rtc.Transition) {
	telemetry.SessionTransition(telemetry.RoleBroadcaster, t.From.String(), t.To.String())
	if t.To == rtc.StateClosed {
		m.mu.Lock()
		// a replacement session for the same peer must survive its predecessor
		if m.sessions[s.PeerID()] == s {
			delete(m.sessions, s.PeerID())
		}
		m.mu.Unlock()
		if err := s.Err(); err != nil {
			m.logger.Info("session ended", zap.String("peer_id", s.PeerID()), zap.Error(err))
		}
	}
	if m.opts.Observer != nil {
		m.opts.Observer(s, t)
	}
}

func (m *Manager) publish(kind signaling.Kind, peer string, attempt int, payload any) error {
	msg, err := signaling.NewMessage(kind, peer, attempt, payload)
	if err != nil {
		return err
	}
	err = m.opts.Transport.Publish(m.ctx, m.topic, msg)
	telemetry.Message("out", string(kind), err)
	return err
}
