package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// TopicBus is the reference-counted per-topic pub/sub layer underlying the gateway's O(K) fan-out. It keeps exactly
// one Valkey connection in subscribe mode and issues a physical SUBSCRIBE/UNSUBSCRIBE only on a topic's 0→1 or 1→0
// transition, no matter how many local connections are interested in that topic; the reference implementation's
// Publisher instead fanned every event out over a single global channel and let each client filter client-side,
// which is the O(N) design this package replaces.
type TopicBus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub

	mu   sync.Mutex
	refs map[string]int
}

// NewTopicBus creates a TopicBus backed by rdb. The returned bus owns a single long-lived subscribe connection;
// callers read delivered messages from Messages().
func NewTopicBus(rdb *redis.Client) *TopicBus {
	return &TopicBus{
		rdb:    rdb,
		pubsub: rdb.Subscribe(context.Background()), // no topics yet; Subscribe is called per-topic below
		refs:   make(map[string]int),
	}
}

// Messages returns the channel of all messages delivered across every currently subscribed topic. Each message's
// Channel field names the topic (e.g. "presence:alice" or "channel:<id>") so the caller can route it to the
// connections interested in that specific topic.
func (b *TopicBus) Messages() <-chan *redis.Message {
	return b.pubsub.Channel()
}

// Subscribe registers interest in topic. The underlying Valkey SUBSCRIBE is issued only when topic's reference count
// rises from 0 to 1.
func (b *TopicBus) Subscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[topic]++
	if b.refs[topic] > 1 {
		return nil
	}
	if err := b.pubsub.Subscribe(ctx, topic); err != nil {
		b.refs[topic]--
		return fmt.Errorf("subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe releases one reference to topic. The underlying Valkey UNSUBSCRIBE is issued only when the reference
// count falls from 1 to 0. Unsubscribing a topic with no outstanding references is a no-op.
func (b *TopicBus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs[topic] == 0 {
		return nil
	}
	b.refs[topic]--
	if b.refs[topic] > 0 {
		return nil
	}
	delete(b.refs, topic)
	if err := b.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribe from topic %s: %w", topic, err)
	}
	return nil
}

// RefCount returns the current number of local subscribers for topic, for diagnostics and tests.
func (b *TopicBus) RefCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[topic]
}

// Publish sends payload to every subscriber of topic across the whole cluster, not just this process.
func (b *TopicBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return nil
}

// Close tears down the underlying subscribe connection.
func (b *TopicBus) Close() error {
	return b.pubsub.Close()
}

// Topic name helpers.

// PresenceTopic returns the pub/sub topic carrying presence updates for username.
func PresenceTopic(username string) string { return "presence:" + username }

// ChannelTopic returns the pub/sub topic carrying chat and membership events for channelID.
func ChannelTopic(channelID string) string { return "channel:" + channelID }
