package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes one named breaker.
type BreakerConfig struct {
	Name string
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from CLOSED.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays OPEN before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds probes per HALF_OPEN generation; that many
	// consecutive successes close the breaker again.
	HalfOpenMaxCalls int
	OnStateChange    func(name string, from, to BreakerState)
}

func (c *BreakerConfig) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
}

// Breaker is a named circuit breaker shared across executions. Counter
// updates are generation-scoped: results of calls admitted before a state
// change never leak into the new state's counters.
type Breaker struct {
	config BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	generation    uint64
	failures      int // consecutive failures while CLOSED
	successes     int // consecutive successes while HALF_OPEN
	probes        int // calls admitted this HALF_OPEN generation
	lastFailureAt time.Time
	openedAt      time.Time
	expiry        time.Time
}

func NewBreaker(config BreakerConfig) *Breaker {
	config.withDefaults()
	b := &Breaker{config: config, state: StateClosed}
	b.toNewGeneration(time.Now())
	return b
}

func (b *Breaker) Name() string { return b.config.Name }

// State reports the current state, applying the OPEN → HALF_OPEN
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// BreakerSnapshot is the observable view exposed over introspection
// surfaces.
type BreakerSnapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes_since_close"`
	LastFailureAt time.Time `json:"last_failure_at"`
	OpenedAt      time.Time `json:"opened_at"`
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return BreakerSnapshot{
		Name:          b.config.Name,
		State:         state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
}

// Guard wraps op so every call passes through the breaker.
func Guard[T any](b *Breaker, op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		var zero T
		generation, err := b.beforeCall()
		if err != nil {
			return zero, err
		}

		defer func() {
			if r := recover(); r != nil {
				b.afterCall(generation, false)
				panic(r)
			}
		}()

		val, err := op(ctx)
		b.afterCall(generation, err == nil)
		return val, err
	}
}

// Execute runs op through the breaker without the generic wrapper.
func (b *Breaker) Execute(ctx context.Context, op Operation[any]) (any, error) {
	return Guard(b, op)(ctx)
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch state {
	case StateOpen:
		return generation, &CircuitOpenError{Name: b.config.Name, State: StateOpen}
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenMaxCalls {
			return generation, &CircuitOpenError{Name: b.config.Name, State: StateHalfOpen}
		}
		b.probes++
	}
	return generation, nil
}

func (b *Breaker) afterCall(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state BreakerState, now time.Time) {
	switch state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMaxCalls {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state BreakerState, now time.Time) {
	b.lastFailureAt = now
	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	if b.state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.openedAt = now
	}
	b.toNewGeneration(now)

	metrics.BreakerTransitionsTotal.WithLabelValues(b.config.Name, state.String()).Inc()
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.failures = 0
	b.successes = 0
	b.probes = 0

	if b.state == StateOpen {
		b.expiry = now.Add(b.config.RecoveryTimeout)
	} else {
		b.expiry = time.Time{}
	}
}
