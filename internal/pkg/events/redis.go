package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/redis"
)

// RedisBus publishes envelopes as JSON over redis pub/sub. go-redis
// reconnects dropped subscriptions transparently. Pattern subscriptions
// PSUBSCRIBE a widened pattern and re-check locally so glob semantics
// match the memory variant exactly.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[uint64]*redisSubscription
	closed bool

	nextID   atomic.Uint64
	queueCap int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBus(client *redis.Client, queueCapacity int) *RedisBus {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		subs:     make(map[uint64]*redisSubscription),
		queueCap: queueCapacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, evt Event) error {
	if channel == "" {
		return fmt.Errorf("empty channel")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	evt.Channel = channel
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", evt.Type, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish %q: %w", channel, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(evt.Type).Inc()
	return nil
}

func (b *RedisBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("empty channel")
	}
	return b.add(channel, "", handler)
}

func (b *RedisBus) SubscribePattern(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	return b.add("", pattern, handler)
}

func (b *RedisBus) add(channel, pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID.Add(1)
	sub := newSubscriber(id, channel, pattern, b.queueCap, handler, log.Logger)

	var pubsub *goredis.PubSub
	if pattern != "" {
		pubsub = b.client.PSubscribe(b.ctx, toRedisPattern(pattern))
	} else {
		pubsub = b.client.Subscribe(b.ctx, channel)
	}

	rs := &redisSubscription{bus: b, sub: sub, pubsub: pubsub}
	b.subs[id] = rs
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx)
	}()
	go func() {
		defer b.wg.Done()
		rs.receive()
	}()

	return rs, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("events: ping: %w", err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for _, rs := range b.subs {
		subs = append(subs, rs)
	}
	b.subs = make(map[uint64]*redisSubscription)
	b.mu.Unlock()

	for _, rs := range subs {
		rs.teardown()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	sub    *subscriber
	pubsub *goredis.PubSub
	once   sync.Once
}

// receive pumps wire messages into the subscriber queue. The pump exits
// when the underlying PubSub is closed.
func (rs *redisSubscription) receive() {
	for msg := range rs.pubsub.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			rs.sub.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable event")
			continue
		}
		evt.Channel = msg.Channel
		if rs.sub.pattern != "" && !Match(rs.sub.pattern, msg.Channel) {
			continue
		}
		rs.sub.offer(evt)
	}
	rs.sub.stop()
}

func (rs *redisSubscription) teardown() {
	rs.once.Do(func() {
		_ = rs.pubsub.Close()
	})
	rs.sub.stop()
}

func (rs *redisSubscription) Unsubscribe() {
	rs.teardown()
	rs.bus.mu.Lock()
	delete(rs.bus.subs, rs.sub.id)
	rs.bus.mu.Unlock()
}

func (rs *redisSubscription) Dropped() uint64 { return rs.sub.dropped.Load() }
