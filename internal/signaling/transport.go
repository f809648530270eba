// Package signaling carries offers, answers, candidates and status updates
// between a broadcaster and its viewers over a per-stream fan-out topic.
//
// Delivery is at-most-once with no replay: a message published before a
// subscriber is attached is lost. Subscribe returns only after the relay
// confirmed the subscription so callers can publish right after it.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/rtc"
)

var (
	ErrTransportUnavailable = errors.New("signaling: transport unavailable")
	ErrUnknownKind          = errors.New("signaling: unknown message kind")
	ErrTopicClosed          = errors.New("signaling: transport closed")
)

const topicPrefix = "stream:"

// Topic returns the relay topic for a stream.
func Topic(streamID string) string {
	return topicPrefix + streamID
}

// Handler receives messages for one subscription. Calls for a given
// subscription never overlap.
type Handler func(Message)

// Subscription is an attached handler. Close is idempotent; no handler
// call starts after it returns.
type Subscription interface {
	Close() error
}

// Transport publishes to and subscribes on named topics.
type Transport interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// SubscribeWithRetry retries Subscribe with capped exponential back-off.
// When the attempts are used up the error wraps ErrTransportUnavailable.
func SubscribeWithRetry(ctx context.Context, t Transport, topic string, h Handler, policy rtc.RetryPolicy, log *zap.Logger) (Subscription, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy = rtc.DefaultRetryPolicy
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		sub, err := t.Subscribe(ctx, topic, h)
		if err == nil {
			if attempt > 1 {
				log.Info("subscribed after retry", zap.String("topic", topic), zap.Int("attempt", attempt))
			}
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrTopicClosed) {
			return nil, err
		}
		lastErr = err
		log.Warn("subscribe failed", zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if errors.Is(lastErr, ErrTransportUnavailable) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, topic, lastErr)
}
