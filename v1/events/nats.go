package events

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"

	sentinelerrors "github.com/mirkobrombin/go-sentinel/v1/errors"
)

// NATSBus implements Bus using a NATS connection. Topics map to subjects
// under a configurable prefix.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	f      *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection. Subjects
// are prefix + topic; an empty prefix defaults to "sentinel.events.".
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = "sentinel.events."
	}
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		f:      newFanout(),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.prefix+topic, []byte("1")); err != nil {
		return sentinelerrors.Backend("publish", err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		sub, err := b.conn.Subscribe(b.prefix+topic, func(_ *nats.Msg) {
			b.f.deliver(topic)
		})
		if err != nil {
			return nil, sentinelerrors.Backend("subscribe", err)
		}
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, sentinelerrors.Backend("subscribe", err)
		}
		b.subs[topic] = sub
	}
	ch, _ := b.f.add(topic)
	b.f.watch(ctx, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.f.remove(topic, ch)
	if !found || !last {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Metrics returns delivery counters.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
