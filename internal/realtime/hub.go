package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/signaling"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

var (
	errForbiddenKind = errors.New("message kind not allowed for this role")
	errHubClosed     = errors.New("relay hub closed")
)

// DetachFunc is told when a stream loses a participant. Viewers are
// reported as soon as their last socket goes away; a broadcaster only
// after the stream has had no broadcaster socket for the grace period.
type DetachFunc func(role Role, streamID, peerID string)

// Hub bridges WebSocket clients to stream topics. It holds one topic
// subscription per stream while at least one local client is attached.
type Hub struct {
	streams   map[string]*stream
	ending    map[string]*pendingEnd
	closed    bool
	mu        sync.Mutex
	logger    *zap.Logger
	transport signaling.Transport

	detach DetachFunc
	grace  time.Duration
}

// stream is the per-stream relay state. ready is closed once the topic
// subscription attempt finished; err is set when it failed.
type stream struct {
	clients map[*Client]struct{}
	sub     signaling.Subscription
	ready   chan struct{}
	err     error
}

type pendingEnd struct {
	timer *time.Timer
}

// NewHub creates a relay hub on top of transport.
func NewHub(transport signaling.Transport, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		streams:   make(map[string]*stream),
		ending:    make(map[string]*pendingEnd),
		logger:    logger,
		transport: transport,
	}
}

// SetDetachHandler installs fn to be called when participants leave. It
// must be called before the hub serves clients.
func (h *Hub) SetDetachHandler(fn DetachFunc, grace time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach = fn
	h.grace = grace
}

// Register attaches a client. The first client of a stream subscribes the
// hub to the stream topic; Register returns once that is confirmed. The
// subscription runs without holding the hub lock, so a slow relay only
// delays clients of that stream.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return errHubClosed
		}
		s, ok := h.streams[c.StreamID]
		owner := !ok
		if owner {
			s = &stream{clients: make(map[*Client]struct{}), ready: make(chan struct{})}
			h.streams[c.StreamID] = s
		}
		h.mu.Unlock()

		if owner {
			h.subscribe(ctx, c.StreamID, s)
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return ctx.Err()
		}

		h.mu.Lock()
		if s.err != nil {
			h.mu.Unlock()
			if owner {
				return s.err
			}
			// someone else's attempt failed; try our own
			continue
		}
		if h.streams[c.StreamID] != s {
			// emptied and dropped while we waited
			h.mu.Unlock()
			continue
		}
		s.clients[c] = struct{}{}
		if c.Role == RoleBroadcaster {
			if end := h.ending[c.StreamID]; end != nil {
				end.timer.Stop()
				delete(h.ending, c.StreamID)
			}
		}
		h.mu.Unlock()
		h.logger.Debug("client joined stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID), zap.String("role", string(c.Role)))
		return nil
	}
}

func (h *Hub) subscribe(ctx context.Context, streamID string, s *stream) {
	sub, err := h.transport.Subscribe(ctx, signaling.Topic(streamID), func(msg signaling.Message) {
		h.deliver(s, msg)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	defer close(s.ready)
	switch {
	case err != nil:
		s.err = fmt.Errorf("subscribe stream %s: %w", streamID, err)
		if h.streams[streamID] == s {
			delete(h.streams, streamID)
		}
	case h.streams[streamID] != s:
		// the hub was closed meanwhile
		_ = sub.Close()
		s.err = errHubClosed
	default:
		s.sub = sub
	}
}

// Unregister detaches a client, dropping the topic subscription when the
// last client of the stream leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	s := h.streams[c.StreamID]
	if s == nil {
		h.mu.Unlock()
		return
	}
	if _, ok := s.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(s.clients, c)
	var sub signaling.Subscription
	if len(s.clients) == 0 {
		delete(h.streams, c.StreamID)
		sub = s.sub
	}
	notify := false
	if h.detach != nil {
		switch c.Role {
		case RoleBroadcaster:
			if !s.hasRole(RoleBroadcaster) {
				h.endAfterGrace(c.StreamID, c.PeerID)
			}
		case RoleViewer:
			notify = c.PeerID != "" && !s.hasPeer(c.PeerID)
		}
	}
	detach := h.detach
	h.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	h.logger.Debug("client left stream", zap.String("client_id", c.ID), zap.String("stream_id", c.StreamID))
	if notify {
		detach(RoleViewer, c.StreamID, c.PeerID)
	}
}

// endAfterGrace reports the broadcaster gone once the grace period passes
// without another broadcaster socket. Called with h.mu held.
func (h *Hub) endAfterGrace(streamID, peerID string) {
	if old := h.ending[streamID]; old != nil {
		old.timer.Stop()
	}
	end := &pendingEnd{}
	h.ending[streamID] = end
	end.timer = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		if h.ending[streamID] != end {
			h.mu.Unlock()
			return
		}
		delete(h.ending, streamID)
		detach := h.detach
		h.mu.Unlock()
		h.logger.Info("broadcaster gone", zap.String("stream_id", streamID))
		detach(RoleBroadcaster, streamID, peerID)
	})
}

// Publish relays a frame from a client to the stream topic. A viewer's
// frames are always stamped with its own peer id.
func (h *Hub) Publish(ctx context.Context, c *Client, msg signaling.Message) error {
	if !c.Role.MaySend(msg.Kind) {
		return fmt.Errorf("%w: %s sent %s", errForbiddenKind, c.Role, msg.Kind)
	}
	if c.Role == RoleViewer {
		msg.PeerID = c.PeerID
	}
	return h.transport.Publish(ctx, signaling.Topic(c.StreamID), msg)
}

// ClientCount returns the number of local clients attached to a stream.
func (h *Hub) ClientCount(streamID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.streams[streamID]; s != nil {
		return len(s.clients)
	}
	return 0
}

// Close detaches every subscription and disconnects every client. Pending
// broadcaster grace timers are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []signaling.Subscription
	var clients []*Client
	for _, s := range h.streams {
		if s.sub != nil {
			subs = append(subs, s.sub)
		}
		for c := range s.clients {
			clients = append(clients, c)
		}
	}
	for _, end := range h.ending {
		end.timer.Stop()
	}
	h.streams = make(map[string]*stream)
	h.ending = make(map[string]*pendingEnd)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) deliver(s *stream, msg signaling.Message) {
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range s.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// buffer full, skip
			h.logger.Debug("client send buffer full", zap.String("client_id", c.ID))
		}
	}
}

func (s *stream) hasRole(role Role) bool {
	for c := range s.clients {
		if c.Role == role {
			return true
		}
	}
	return false
}

func (s *stream) hasPeer(peerID string) bool {
	for c := range s.clients {
		if c.PeerID == peerID {
			return true
		}
	}
	return false
}
