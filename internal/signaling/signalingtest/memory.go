// Package signalingtest provides an in-process signaling transport for
// tests.
package signalingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/aura-live/signaling/internal/signaling"
)

var _ signaling.Transport = (*Transport)(nil)

// Transport is an in-process signaling.Transport. Every subscriber gets
// its own ordered delivery goroutine. Disconnect and Reconnect simulate
// relay loss: while down, Publish and Subscribe fail.
type Transport struct {
	mu        sync.Mutex
	topics    map[string]map[*memorySub]struct{}
	history   map[string][]signaling.Message
	down      bool
	closed    bool
	failSubs  int
	subscribe int
}

// NewTransport creates an empty in-process transport.
func NewTransport() *Transport {
	return &Transport{
		topics:  make(map[string]map[*memorySub]struct{}),
		history: make(map[string][]signaling.Message),
	}
}

func (m *Transport) Publish(ctx context.Context, topic string, msg signaling.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return signaling.ErrTopicClosed
	}
	if m.down {
		return fmt.Errorf("%w: publish %s", signaling.ErrTransportUnavailable, topic)
	}
	m.history[topic] = append(m.history[topic], msg)
	for sub := range m.topics[topic] {
		sub.push(msg)
	}
	return nil
}

func (m *Transport) Subscribe(ctx context.Context, topic string, h signaling.Handler) (signaling.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribe++
	if m.closed {
		return nil, signaling.ErrTopicClosed
	}
	if m.down {
		return nil, fmt.Errorf("%w: subscribe %s", signaling.ErrTransportUnavailable, topic)
	}
	if m.failSubs > 0 {
		m.failSubs--
		return nil, fmt.Errorf("%w: subscribe %s: injected", signaling.ErrTransportUnavailable, topic)
	}
	sub := &memorySub{t: m, topic: topic, h: h}
	sub.cond = sync.NewCond(&sub.mu)
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Disconnect makes the relay unreachable. Existing subscriptions stay
// attached but receive nothing because nothing can be published.
func (m *Transport) Disconnect() {
	m.mu.Lock()
	m.down = true
	m.mu.Unlock()
}

// Reconnect restores the relay.
func (m *Transport) Reconnect() {
	m.mu.Lock()
	m.down = false
	m.mu.Unlock()
}

// FailSubscribes makes the next n Subscribe calls fail as unavailable.
func (m *Transport) FailSubscribes(n int) {
	m.mu.Lock()
	m.failSubs = n
	m.mu.Unlock()
}

// SubscribeCalls counts Subscribe invocations, successful or not.
func (m *Transport) SubscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribe
}

// Subscribers returns the number of attached subscriptions on topic.
func (m *Transport) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// History returns every message published on topic, in publish order.
func (m *Transport) History(topic string) []signaling.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signaling.Message(nil), m.history[topic]...)
}

// Close detaches every subscription. Later calls fail with
// signaling.ErrTopicClosed.
func (m *Transport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySub
	for _, set := range m.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.topics = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *Transport) detach(sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.topics[sub.topic]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.topics, sub.topic)
		}
	}
}

type memorySub struct {
	t     *Transport
	topic string
	h     signaling.Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   deque.Deque[signaling.Message]
	stopped bool
	once    sync.Once
}

func (s *memorySub) push(msg signaling.Message) {
	s.mu.Lock()
	if !s.stopped {
		s.queue.PushBack(msg)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memorySub) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue.Clear()
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.t.detach(s)
		s.stop()
	})
	return nil
}

func (s *memorySub) run() {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		msg := s.queue.PopFront()
		s.mu.Unlock()
		s.h(msg)
	}
}
