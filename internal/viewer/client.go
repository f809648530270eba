// Package viewer runs a viewer's single connection to the broadcaster of a
// stream, starting a fresh negotiation cycle whenever the current one dies.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/rtc"
	"github.com/aura-live/signaling/internal/signaling"
	"github.com/aura-live/signaling/internal/telemetry"
)

var (
	// ErrConnectionLost is reported once every negotiation cycle has failed.
	ErrConnectionLost = errors.New("lost connection to the broadcast, please try joining again")

	errLeft           = errors.New("viewer: client has left")
	errAlreadyRunning = errors.New("viewer: already started")
)

const (
	DefaultMaxCycles          = 3
	DefaultNegotiationTimeout = 30 * time.Second
)

var defaultCycleBackoff = rtc.RetryPolicy{MaxAttempts: DefaultMaxCycles, BaseDelay: 2 * time.Second, MaxDelay: 15 * time.Second}

// TrackSink renders inbound media.
type TrackSink interface {
	HandleTrack(rtc.RemoteTrack)
}

// Presence records that a viewer left.
type Presence interface {
	ViewerLeft(ctx context.Context, viewerID uuid.UUID) error
}

// Options configures a Client. StreamID, ViewerID, Transport and Provider
// are required.
type Options struct {
	StreamID  string
	ViewerID  uuid.UUID
	Transport signaling.Transport
	Provider  rtc.Provider
	Sink      TrackSink
	Presence  Presence
	OnStatus  func(signaling.StatusPayload)
	Observer  rtc.Observer

	// MaxCycles bounds consecutive failed negotiation cycles.
	MaxCycles int
	// CycleBackoff spaces consecutive cycles; only the delays are used.
	CycleBackoff rtc.RetryPolicy
	// NegotiationTimeout closes a cycle that has not connected in time.
	NegotiationTimeout time.Duration
	// Retry bounds a session's wait for a dropped connection to recover.
	Retry          rtc.RetryPolicy
	SubscribeRetry rtc.RetryPolicy
	Logger         *zap.Logger
}

// Client owns exactly one session at a time.
type Client struct {
	opts   Options
	peerID string
	topic  string
	logger *zap.Logger
	errs   chan error

	mu       sync.Mutex
	sub      signaling.Subscription
	session  *rtc.Session
	runCtx   context.Context
	cancel   context.CancelFunc
	cycle    int
	failures int
	status   *signaling.StatusPayload
	left     bool

	leaveOnce sync.Once
	leaveErr  error
}

// NewClient creates an idle client.
func NewClient(opts Options) *Client {
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}
	if opts.CycleBackoff.BaseDelay <= 0 {
		opts.CycleBackoff = defaultCycleBackoff
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	peerID := opts.ViewerID.String()
	return &Client{
		opts:   opts,
		peerID: peerID,
		topic:  signaling.Topic(opts.StreamID),
		logger: logger.With(zap.String("stream_id", opts.StreamID), zap.String("peer_id", peerID)),
		errs:   make(chan error, 1),
	}
}

// Errors delivers ErrConnectionLost when the client gives up.
func (c *Client) Errors() <-chan error { return c.errs }

// PeerID is the id this client signs its messages with.
func (c *Client) PeerID() string { return c.peerID }

// Session returns the current session, or nil between cycles.
func (c *Client) Session() *rtc.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Status returns the most recent status update, if any.
func (c *Client) Status() (signaling.StatusPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return signaling.StatusPayload{}, false
	}
	return *c.status, true
}

// Start subscribes to the stream topic and, once the subscription is
// confirmed, publishes the first offer. After ErrConnectionLost it may be
// called again.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return errLeft
	}
	if c.sub != nil {
		c.mu.Unlock()
		return errAlreadyRunning
	}
	c.mu.Unlock()

	sub, err := signaling.SubscribeWithRetry(ctx, c.opts.Transport, c.topic, c.onMessage, c.opts.SubscribeRetry, c.logger)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}

	c.mu.Lock()
	if c.left || c.sub != nil {
		c.mu.Unlock()
		_ = sub.Close()
		if c.left {
			return errLeft
		}
		return errAlreadyRunning
	}
	c.sub = sub
	c.failures = 0
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.mu.Unlock()

	c.startCycle(runCtx)
	return nil
}

// Leave closes the session, detaches from the topic and records the
// departure. Only the first call has any effect.
func (c *Client) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.left = true
		s, sub, cancel := c.session, c.sub, c.cancel
		c.session, c.sub = nil, nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if s != nil {
			_ = s.Close()
		}
		if sub != nil {
			_ = sub.Close()
		}
		if c.opts.Presence != nil {
			if err := c.opts.Presence.ViewerLeft(ctx, c.opts.ViewerID); err != nil {
				c.leaveErr = fmt.Errorf("record leave: %w", err)
			}
		}
		c.logger.Info("viewer left")
	})
	return c.leaveErr
}

func (c *Client) startCycle(ctx context.Context) {
	c.mu.Lock()
	if c.left || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.cycle++
	attempt := c.cycle
	c.mu.Unlock()
	log := c.logger.With(zap.Int("attempt", attempt))

	pc, err := c.opts.Provider.NewPeerConnection(rtc.PeerOptions{RecvAudio: true, RecvVideo: true})
	if err != nil {
		c.cycleEnded(ctx, attempt, fmt.Errorf("create peer connection: %w", err))
		return
	}
	s := rtc.NewSession(c.peerID, pc, rtc.SessionOptions{
		Attempt:  attempt,
		Retry:    c.opts.Retry,
		Observer: c.observe,
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			if err := c.publish(ctx, signaling.KindRemoteCandidate, attempt, cand); err != nil {
				log.Debug("candidate not sent", zap.Error(err))
			}
		},
		OnTrack: func(t rtc.RemoteTrack) {
			if c.opts.Sink != nil {
				c.opts.Sink.HandleTrack(t)
			}
		},
		Logger: c.logger,
	})

	c.mu.Lock()
	if c.left || ctx.Err() != nil {
		c.mu.Unlock()
		_ = s.Close()
		return
	}
	c.session = s
	c.mu.Unlock()

	offer, err := s.Offer()
	if err != nil {
		// the session failed and closed; observe starts the next cycle
		log.Warn("create offer", zap.Error(err))
		return
	}
	if err := c.publish(ctx, signaling.KindOffer, attempt, offer); err != nil {
		log.Warn("publish offer", zap.Error(err))
		_ = s.Close()
		return
	}
	log.Info("offer sent")
	go c.watchNegotiation(s, log)
}

// watchNegotiation closes a session that has not connected in time.
func (c *Client) watchNegotiation(s *rtc.Session, log *zap.Logger) {
	timer := time.NewTimer(c.opts.NegotiationTimeout)
	defer timer.Stop()
	select {
	case <-s.Done():
	case <-timer.C:
		if st := s.State(); st == rtc.StateNegotiating || st == rtc.StateIdle {
			log.Warn("negotiation timed out", zap.Duration("timeout", c.opts.NegotiationTimeout))
			_ = s.Close()
		}
	}
}

func (c *Client) observe(s *rtc.Session, t rtc.Transition) {
	telemetry.SessionTransition(telemetry.RoleViewer, t.From.String(), t.To.String())
	if c.opts.Observer != nil {
		c.opts.Observer(s, t)
	}
	switch t.To {
	case rtc.StateConnected:
		c.mu.Lock()
		if c.session == s {
			c.failures = 0
		}
		c.mu.Unlock()
		if t.From == rtc.StateNegotiating {
			telemetry.Cycle("connected")
			c.logger.Info("connected to broadcaster", zap.Int("attempt", s.Attempt()))
		}
	case rtc.StateClosed:
		c.mu.Lock()
		current := c.session == s && !c.left
		if current {
			c.session = nil
		}
		ctx := c.runCtx
		c.mu.Unlock()
		if current {
			c.cycleEnded(ctx, s.Attempt(), s.Err())
		}
	}
}

// cycleEnded schedules the next cycle, or gives up once MaxCycles
// consecutive cycles have failed.
func (c *Client) cycleEnded(ctx context.Context, attempt int, cause error) {
	telemetry.Cycle("failed")
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	log := c.logger.With(zap.Int("attempt", attempt), zap.Int("failures", failures))
	if failures >= c.opts.MaxCycles {
		log.Error("giving up on broadcast", zap.Error(cause))
		c.reset()
		select {
		case c.errs <- ErrConnectionLost:
		default:
		}
		return
	}

	delay := c.opts.CycleBackoff.Backoff(failures)
	log.Warn("negotiation cycle ended, retrying", zap.Duration("delay", delay), zap.Error(cause))
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			c.startCycle(ctx)
		}
	}()
}

// reset returns the client to its pre-Start state.
func (c *Client) reset() {
	c.mu.Lock()
	sub, cancel := c.sub, c.cancel
	c.sub, c.cancel, c.session = nil, nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
}

func (c *Client) onMessage(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindStatusUpdate:
		var p signaling.StatusPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Debug("bad status update", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.status = &p
		c.mu.Unlock()
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(p)
		}
	case signaling.KindAnswer, signaling.KindLocalCandidate:
		if msg.PeerID != c.peerID {
			return
		}
		telemetry.Message("in", string(msg.Kind), nil)
		s := c.Session()
		if s == nil || s.Attempt() != msg.Attempt {
			c.logger.Debug("stale message dropped", zap.String("kind", string(msg.Kind)), zap.Int("attempt", msg.Attempt))
			return
		}
		if err := c.apply(s, msg); err != nil {
			c.logger.Warn("apply message", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}
}

func (c *Client) apply(s *rtc.Session, msg signaling.Message) error {
	if msg.Kind == signaling.KindAnswer {
		var answer webrtc.SessionDescription
		if err := msg.Decode(&answer); err != nil {
			return err
		}
		return s.AcceptAnswer(answer)
	}
	var cand webrtc.ICECandidateInit
	if err := msg.Decode(&cand); err != nil {
		return err
	}
	return s.AddRemoteCandidate(cand)
}

func (c *Client) publish(ctx context.Context, kind signaling.Kind, attempt int, payload any) error {
	msg, err := signaling.NewMessage(kind, c.peerID, attempt, payload)
	if err != nil {
		return err
	}
	err = c.opts.Transport.Publish(ctx, c.topic, msg)
	telemetry.Message("out", string(kind), err)
	return err
}
