package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus closed")

// DefaultQueueCapacity bounds each subscriber's delivery queue when the
// configuration does not override it.
const DefaultQueueCapacity = 1024

// Handler consumes one delivered event. Handlers run on the subscriber's
// own goroutine; a panic is recovered and logged without affecting other
// subscribers.
type Handler func(ctx context.Context, evt Event)

// Bus is the pub/sub fabric. Publish returns once delivery has been
// scheduled for every matching subscriber; it never waits for handlers.
// Per subscriber, delivery order follows acceptance order.
type Bus interface {
	Publish(ctx context.Context, channel string, evt Event) error
	Subscribe(channel string, handler Handler) (Subscription, error)
	SubscribePattern(pattern string, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is the handle returned by Subscribe/SubscribePattern.
type Subscription interface {
	// Unsubscribe stops delivery. Queued but undelivered events are
	// discarded. Safe to call more than once.
	Unsubscribe()
	// Dropped reports how many events were discarded because this
	// subscriber's queue was full.
	Dropped() uint64
}

// subscriber owns one bounded delivery queue drained by one goroutine,
// shared by both bus variants.
type subscriber struct {
	id       uint64
	channel  string // exact subscription, or ""
	pattern  string // glob subscription, or ""
	handler  Handler
	queue    chan Event
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
	log      zerolog.Logger
}

func newSubscriber(id uint64, channel, pattern string, capacity int, handler Handler, log zerolog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &subscriber{
		id:      id,
		channel: channel,
		pattern: pattern,
		handler: handler,
		queue:   make(chan Event, capacity),
		done:    make(chan struct{}),
		log:     log.With().Uint64("subscriber_id", id).Logger(),
	}
}

func (s *subscriber) matches(channel string) bool {
	if s.pattern != "" {
		return Match(s.pattern, channel)
	}
	return s.channel == channel
}

// offer enqueues without blocking; on a full queue the incoming event is
// dropped and counted.
func (s *subscriber) offer(evt Event) {
	select {
	case s.queue <- evt:
	default:
		n := s.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
		s.log.Warn().
			Str("event_type", evt.Type).
			Str("channel", evt.Channel).
			Uint64("dropped_events", n).
			Msg("Subscriber queue full, dropping event")
	}
}

// run drains the queue until the subscriber is stopped.
func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case evt := <-s.queue:
			s.dispatch(ctx, evt)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) dispatch(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("event_type", evt.Type).
				Msg("Event handler panicked")
		}
	}()
	s.handler(ctx, evt)
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
