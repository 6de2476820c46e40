// Package events carries lock lifecycle notifications between processes.
//
// A Bus delivers content-free signals per topic. Delivery is best effort:
// slow subscribers miss signals rather than block publishers, so a signal is a
// hint to retry an operation, never a grant of anything.
package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports delivery counters of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the subscriber channels of each topic. It is shared by every
// Bus implementation; transports only differ in how signals reach deliver.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	stops     map[chan struct{}]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{
		subs:  make(map[string][]chan struct{}),
		stops: make(map[chan struct{}]chan struct{}),
	}
}

// watch calls done once ctx ends, unless ch is removed first. A context that
// can never end starts nothing.
func (f *fanout) watch(ctx context.Context, ch chan struct{}, done func()) {
	if ctx.Done() == nil {
		return
	}
	stop := make(chan struct{})
	f.mu.Lock()
	f.stops[ch] = stop
	f.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			done()
		case <-stop:
		}
	}()
}

// add registers a new channel and reports whether it is the first for topic.
func (f *fanout) add(topic string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			if stop, ok := f.stops[c]; ok {
				close(stop)
				delete(f.stops, c)
			}
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a process-local Bus, mainly for tests and single-node setups.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	b.f.watch(ctx, ch, func() { _ = b.Unsubscribe(context.Background(), topic, ch) })
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns delivery counters.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
