package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errPeerFailed = errors.New("rtc: peer connection reported failed")

// SessionOptions configures a Session. Every field is optional.
type SessionOptions struct {
	// Attempt is the negotiation cycle this session belongs to; it is echoed
	// on signaling messages so stale ones can be told apart.
	Attempt          int
	Retry            RetryPolicy
	Observer         Observer
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnTrack          func(RemoteTrack)
	Logger           *zap.Logger
}

// Session is the lifecycle state machine around one peer connection:
// Idle -> Negotiating -> Connected -> {Disconnected, Failed} -> Closed.
type Session struct {
	peerID  string
	attempt int
	pc      PeerConnection
	buf     *CandidateBuffer
	retry   RetryPolicy
	log     *zap.Logger
	notify  *notifier

	// negMu serializes description work; mu guards state only so it is
	// never held across a peer connection call.
	negMu sync.Mutex

	mu        sync.Mutex
	state     State
	err       error
	retries   int
	watching  bool
	remoteSet bool
	done      chan struct{}
}

// NewSession wraps pc in Idle state and hooks its callbacks.
func NewSession(peerID string, pc PeerConnection, opts SessionOptions) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		peerID:  peerID,
		attempt: opts.Attempt,
		pc:      pc,
		retry:   opts.Retry.orDefault(),
		log:     log.With(zap.String("peer_id", peerID), zap.Int("attempt", opts.Attempt)),
		state:   StateIdle,
		done:    make(chan struct{}),
	}
	s.buf = NewCandidateBuffer(pc.AddICECandidate)

	observer := opts.Observer
	s.notify = newNotifier(func(t Transition) {
		if observer != nil {
			observer(s, t)
		}
	})
	go s.notify.run()

	pc.OnConnectionStateChange(s.handlePeerState)
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if opts.OnLocalCandidate == nil || s.State() == StateClosed {
			return
		}
		opts.OnLocalCandidate(c)
	})
	pc.OnTrack(func(t RemoteTrack) {
		if opts.OnTrack == nil || s.State() == StateClosed {
			return
		}
		opts.OnTrack(t)
	})
	return s
}

// PeerID returns the identifier of the remote endpoint.
func (s *Session) PeerID() string { return s.peerID }

// Attempt returns the negotiation cycle this session was created for.
func (s *Session) Attempt() int { return s.attempt }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Retries returns the monotonic reconnect attempt counter.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Candidates exposes the session's candidate buffer.
func (s *Session) Candidates() *CandidateBuffer { return s.buf }

// AddTrack attaches a local track. Only valid before negotiation starts.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	if err := s.expect(StateIdle); err != nil {
		return err
	}
	if err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	return nil
}

// Offer creates an offer, sets it as the local description and moves to
// Negotiating. The returned description may be published immediately.
func (s *Session) Offer() (webrtc.SessionDescription, error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	if err := s.expect(StateIdle); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, s.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, s.fail(fmt.Errorf("set local offer: %w", err))
	}
	if err := s.advance(StateNegotiating); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// Answer applies a remote offer, flushes buffered candidates, creates and
// sets the local answer, and moves to Negotiating.
func (s *Session) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	if err := s.expect(StateIdle); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, s.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, s.fail(fmt.Errorf("set local answer: %w", err))
	}
	if err := s.advance(StateNegotiating); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AcceptAnswer applies the counterpart's answer and flushes buffered
// candidates. Answers for a closed session are dropped; a repeated answer
// is ignored; an answer before any offer fails the session.
func (s *Session) AcceptAnswer(answer webrtc.SessionDescription) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	state, remoteSet := s.state, s.remoteSet
	s.mu.Unlock()
	switch {
	case state == StateClosed || state == StateFailed:
		s.log.Debug("dropping answer for finished session")
		return nil
	case state == StateIdle:
		return s.fail(fmt.Errorf("%w: answer before offer", ErrInvalidTransition))
	case remoteSet:
		s.log.Debug("ignoring repeated answer", zap.String("state", state.String()))
		return nil
	}
	return s.setRemote(answer)
}

// AddRemoteCandidate buffers or applies a candidate from the counterpart.
// Candidates for a closed session are dropped without error.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if s.State() == StateClosed {
		return nil
	}
	if _, err := s.buf.Enqueue(c); err != nil {
		return s.fail(fmt.Errorf("apply candidate: %w", err))
	}
	return nil
}

// Close releases the peer connection. Safe from any state and idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	_ = s.transitionLocked(StateClosed, nil)
	s.mu.Unlock()

	s.buf.Discard()
	close(s.done)
	err := s.pc.Close()
	s.notify.close()
	s.log.Debug("session closed")
	return err
}

func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return s.fail(fmt.Errorf("set remote %s: %w", desc.Type, err))
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return s.fail(fmt.Errorf("flush candidates: %w", err))
	}
	return nil
}

func (s *Session) expect(want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != want {
		return fmt.Errorf("%w: in %s, need %s", ErrInvalidTransition, s.state, want)
	}
	return nil
}

func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	return s.transitionLocked(to, nil)
}

// transitionLocked must be called with mu held.
func (s *Session) transitionLocked(to State, cause error) error {
	from := s.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	if cause != nil && s.err == nil {
		s.err = cause
	}
	s.notify.push(Transition{PeerID: s.peerID, From: from, To: to, Err: cause})
	return nil
}

// fail moves the session to Failed and tears it down. It returns cause so
// callers can propagate it.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return cause
	}
	_ = s.transitionLocked(StateFailed, cause)
	s.mu.Unlock()

	s.log.Warn("session failed", zap.Error(cause))
	_ = s.Close()
	return cause
}

func (s *Session) handlePeerState(ps webrtc.PeerConnectionState) {
	to, ok := targetFor(ps)
	if !ok {
		return
	}
	switch to {
	case StateFailed:
		_ = s.fail(errPeerFailed)
	case StateClosed:
		_ = s.Close()
	case StateConnected:
		s.mu.Lock()
		err := s.transitionLocked(StateConnected, nil)
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("ignored connected report", zap.Error(err))
		}
	case StateDisconnected:
		s.mu.Lock()
		if s.state != StateConnected {
			s.mu.Unlock()
			s.log.Debug("ignored disconnected report", zap.String("state", s.State().String()))
			return
		}
		_ = s.transitionLocked(StateDisconnected, nil)
		start := !s.watching
		s.watching = true
		s.mu.Unlock()
		if start {
			go s.watchReconnect()
		}
	}
}

// watchReconnect waits for the connection to recover on its own, backing
// off between checks. Each expired wait consumes one retry.
func (s *Session) watchReconnect() {
	for {
		s.mu.Lock()
		if s.state != StateDisconnected {
			s.watching = false
			s.mu.Unlock()
			return
		}
		s.retries++
		attempt := s.retries
		s.mu.Unlock()

		if attempt > s.retry.MaxAttempts {
			s.mu.Lock()
			s.watching = false
			s.mu.Unlock()
			_ = s.fail(ErrRetriesExhausted)
			return
		}
		s.log.Info("waiting for reconnect", zap.Int("retry", attempt), zap.Int("max", s.retry.MaxAttempts))

		timer := time.NewTimer(s.retry.Backoff(attempt))
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// notifier delivers transitions in order on its own goroutine.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  deque.Deque[Transition]
	closed bool
	fn     func(Transition)
}

func newNotifier(fn func(Transition)) *notifier {
	n := &notifier{fn: fn}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) push(t Transition) {
	n.mu.Lock()
	if !n.closed {
		n.queue.PushBack(t)
		n.cond.Signal()
	}
	n.mu.Unlock()
}

// close lets run drain what is queued and then exit.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Signal()
	n.mu.Unlock()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		for n.queue.Len() == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.queue.Len() == 0 {
			n.mu.Unlock()
			return
		}
		t := n.queue.PopFront()
		n.mu.Unlock()
		n.fn(t)
	}
}
