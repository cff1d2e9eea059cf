package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
)

// MemoryBus is the in-process bus variant. Each subscriber drains its own
// bounded queue on a dedicated goroutine, so one slow handler never blocks
// the publisher or its siblings.
type MemoryBus struct {
	mu       sync.RWMutex
	exact    map[string][]*subscriber
	patterns []*subscriber
	closed   bool

	nextID   atomic.Uint64
	queueCap int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryBus(queueCapacity int) *MemoryBus {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		exact:    make(map[string][]*subscriber),
		queueCap: queueCapacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, evt Event) error {
	if channel == "" {
		return fmt.Errorf("empty channel")
	}
	evt.Channel = channel
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.exact[channel])+len(b.patterns))
	targets = append(targets, b.exact[channel]...)
	for _, s := range b.patterns {
		if s.matches(channel) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	metrics.EventsPublishedTotal.WithLabelValues(evt.Type).Inc()
	for _, s := range targets {
		s.offer(evt)
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("empty channel")
	}
	return b.add(channel, "", handler)
}

func (b *MemoryBus) SubscribePattern(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return b.add("", pattern, handler)
}

func (b *MemoryBus) add(channel, pattern string, handler Handler) (Subscription, error) {
	sub := newSubscriber(b.nextID.Add(1), channel, pattern, b.queueCap, handler, log.Logger)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if pattern != "" {
		b.patterns = append(b.patterns, sub)
	} else {
		b.exact[channel] = append(b.exact[channel], sub)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx)
	}()

	return &memSubscription{bus: b, sub: sub}, nil
}

func (b *MemoryBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern != "" {
		b.patterns = removeSub(b.patterns, sub)
		return
	}
	remaining := removeSub(b.exact[sub.channel], sub)
	if len(remaining) == 0 {
		delete(b.exact, sub.channel)
	} else {
		b.exact[sub.channel] = remaining
	}
}

func removeSub(subs []*subscriber, target *subscriber) []*subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.patterns))
	for _, list := range b.exact {
		subs = append(subs, list...)
	}
	subs = append(subs, b.patterns...)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

type memSubscription struct {
	bus *MemoryBus
	sub *subscriber
}

func (s *memSubscription) Unsubscribe() {
	s.sub.stop()
	s.bus.remove(s.sub)
}

func (s *memSubscription) Dropped() uint64 { return s.sub.dropped.Load() }
