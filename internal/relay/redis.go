package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carebridge-backend/pkg/logger"
)

// seenLimit bounds the per-subscription duplicate suppression window
const seenLimit = 256

// RedisRelay implements Relay over Redis pub/sub. One instance is shared
// process-wide and injected into every consumer.
type RedisRelay struct {
	client *redis.Client
}

// NewRedisRelay creates a relay over an established Redis client
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

// Publish sends an envelope to every subscriber of topic. Failures are
// transient relay errors: the caller's persisted state is not affected
// and the event can be resent.
func (r *RedisRelay) Publish(ctx context.Context, topic, event string, env Envelope) error {
	env.Event = event
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers envelopes for one event name on one topic. An
// empty event subscribes to every event on the topic. The returned
// subscription must be disposed when the owning call reaches a terminal
// state.
func (r *RedisRelay) Subscribe(ctx context.Context, topic, event string, handler Handler) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a broken connection surfaces
	// here instead of as silent message loss.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	seen := newDedupe(seenLimit)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Warn("relay: dropping malformed envelope",
						zap.String("topic", topic),
						zap.Error(err))
					continue
				}
				if event != "" && env.Event != event {
					continue
				}
				if seen.observed(env.ID) {
					continue
				}
				handler(env)
			}
		}
	}()

	return NewSubscription(topic, event, func() {
		cancel()
		if err := pubsub.Close(); err != nil {
			logger.Warn("relay: pubsub close failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}), nil
}
