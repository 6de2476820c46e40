package events

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

const defaultRedisChannelPrefix = "sentinel:events:"

// RedisBus implements Bus over Redis pub/sub. One Redis subscription is held
// per topic regardless of the number of local subscribers.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client redis.UniversalClient
	// ChannelPrefix is prepended to every topic. Defaults to "sentinel:events:".
	ChannelPrefix string
}

// NewRedisBus returns a new RedisBus.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	return &RedisBus{
		client: opts.Client,
		prefix: prefix,
		f:      newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, b.prefix+topic, "1").Err(); err != nil {
		return sentinelerrors.Backend("publish", err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		ps := b.client.Subscribe(context.Background(), b.prefix+topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, sentinelerrors.Backend("subscribe", err)
		}
		b.subs[topic] = ps
		go b.forward(topic, ps)
	}
	ch, _ := b.f.add(topic)
	b.f.watch(ctx, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

func (b *RedisBus) forward(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.f.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return ps.Close()
}

// Metrics returns delivery counters.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
