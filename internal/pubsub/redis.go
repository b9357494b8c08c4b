package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPubSub implements PubSub over Redis, for multi-agent-node
// deployments sharing a single realtime fan-out.
type RedisPubSub struct {
	client *redis.Client
	log    *zap.Logger
	mu     sync.Mutex
	subs   []*redis.PubSub
}

// NewRedis creates a Redis-backed PubSub client.
func NewRedis(client *redis.Client, log *zap.Logger) *RedisPubSub {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPubSub{client: client, log: log, subs: make([]*redis.PubSub, 0)}
}

// Publish publishes payload, JSON-serialized, to topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ps.client.Publish(ctx, topic, data).Err()
}

// Subscribe subscribes to topic and streams raw payload bytes until ctx is
// cancelled or cleanup is called.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string) (<-chan []byte, func()) {
	sub := ps.client.Subscribe(ctx, topic)

	ps.mu.Lock()
	ps.subs = append(ps.subs, sub)
	ps.mu.Unlock()

	ch := make(chan []byte, 100)

	go func() {
		defer close(ch)
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
					ps.log.Warn("dropping pubsub message, subscriber channel full", zap.String("topic", topic))
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
		ps.mu.Lock()
		for i, s := range ps.subs {
			if s == sub {
				ps.subs = append(ps.subs[:i], ps.subs[i+1:]...)
				break
			}
		}
		ps.mu.Unlock()
	}

	return ch, cleanup
}

// Close closes all tracked subscriptions and the underlying client.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, sub := range ps.subs {
		_ = sub.Close()
	}
	ps.subs = nil
	return ps.client.Close()
}

var _ PubSub = (*RedisPubSub)(nil)
