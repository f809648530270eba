package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

var _ Transport = (*RedisTransport)(nil)

// RedisTransport implements Transport with Redis pub/sub. Topics map to
// Redis channels one to one; envelopes travel as JSON.
type RedisTransport struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisTransport creates a Redis pub/sub transport.
func NewRedisTransport(client *redis.Client, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, logger: logger, subs: make(map[*redisSub]struct{})}
}

// Publish sends msg to the topic's Redis channel.
func (r *RedisTransport) Publish(ctx context.Context, topic string, msg Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrTopicClosed
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().Unix()
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransportUnavailable, topic, err)
	}
	return nil
}

// Subscribe attaches h to topic and waits for Redis to confirm the
// subscription before returning.
func (r *RedisTransport) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrTopicClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{r: r, pubsub: pubsub, cancel: cancel}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	ch := pubsub.Channel()
	log := r.logger.With(zap.String("topic", topic))
	go func() {
		for {
			select {
			case <-loopCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				msg, err := ParseMessage([]byte(raw.Payload))
				if err != nil {
					log.Debug("dropping malformed envelope", zap.Error(err))
					continue
				}
				if loopCtx.Err() != nil {
					return
				}
				h(msg)
			}
		}
	}()
	return sub, nil
}

// Close detaches every subscription. The Redis client is left open.
func (r *RedisTransport) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type redisSub struct {
	r      *RedisTransport
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
		s.r.mu.Lock()
		delete(s.r.subs, s)
		s.r.mu.Unlock()
	})
	return s.err
}
