package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerDefaults seed every breaker a group creates.
type BreakerDefaults struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// BreakerGroup creates and shares breakers by name. One breaker exists
// per name for the life of the group.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerDefaults
}

func NewBreakerGroup(defaults BreakerDefaults) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker registered under name, creating it with the
// group defaults on first use.
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}

	b = NewBreaker(BreakerConfig{
		Name:             name,
		FailureThreshold: g.defaults.FailureThreshold,
		RecoveryTimeout:  g.defaults.RecoveryTimeout,
		HalfOpenMaxCalls: g.defaults.HalfOpenMaxCalls,
		OnStateChange: func(name string, from, to BreakerState) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	g.breakers[name] = b
	return b
}

// Snapshots returns the observable view of every breaker in the group.
func (g *BreakerGroup) Snapshots() map[string]BreakerSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]BreakerSnapshot, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
