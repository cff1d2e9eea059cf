// Package infra assembles the shared infrastructure services (state
// store, event bus, circuit breakers, emergency controller) behind one
// lifecycle. Every subsystem receives the assembly by reference and never
// constructs its own backends.
package infra

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/redis"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/resilience"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/state"
)

// Infrastructure aggregates fully-initialized instances of the shared
// services. The exported fields are nil until Initialize succeeds.
type Infrastructure struct {
	Config    *config.Config
	Store     state.Store
	Bus       events.Bus
	Breakers  *resilience.BreakerGroup
	Emergency *emergency.Controller

	mu          sync.Mutex
	redis       *redis.Client
	cleanup     []func() error
	initialized bool
}

func New(cfg *config.Config) *Infrastructure {
	return &Infrastructure{Config: cfg}
}

// Initialize brings up backends in dependency order: redis connection,
// state store, event bus, breaker group, then the emergency controller
// last so it can read persisted state. Idempotent; a second call is a
// no-op.
func (i *Infrastructure) Initialize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.initialized {
		return nil
	}

	if i.Config.State.Backend == config.BackendRedis || i.Config.Events.Backend == config.BackendRedis {
		client, err := redis.NewClient(i.Config.RedisURL)
		if err != nil {
			return fmt.Errorf("infra: redis: %w", err)
		}
		i.redis = client
		i.pushCleanup(client.Close)
	}

	switch i.Config.State.Backend {
	case config.BackendRedis:
		i.Store = state.NewRedisStore(i.redis)
	default:
		i.Store = state.NewMemoryStore()
	}
	i.pushCleanup(i.Store.Close)

	switch i.Config.Events.Backend {
	case config.BackendRedis:
		i.Bus = events.NewRedisBus(i.redis, i.Config.Events.QueueCapacity)
	default:
		i.Bus = events.NewMemoryBus(i.Config.Events.QueueCapacity)
	}
	i.pushCleanup(i.Bus.Close)

	i.Breakers = resilience.NewBreakerGroup(resilience.BreakerDefaults{
		FailureThreshold: i.Config.Resilience.CircuitFailureThreshold,
		RecoveryTimeout:  i.Config.Resilience.CircuitRecoveryTimeout,
		HalfOpenMaxCalls: i.Config.Resilience.CircuitHalfOpenMaxCalls,
	})

	i.Emergency = emergency.NewController(emergency.Config{
		Bus:          i.Bus,
		Store:        i.Store,
		PersistState: i.Config.Emergency.PersistState,
	})
	if err := i.Emergency.Restore(ctx); err != nil {
		i.teardown()
		return fmt.Errorf("infra: emergency: %w", err)
	}
	i.Emergency.RegisterLimit("daily_loss", i.Config.Emergency.DailyLossLimit, true)
	i.Emergency.RegisterLimit("max_position_size", i.Config.Emergency.MaxPositionSize, true)
	i.Emergency.RegisterLimit("max_drawdown_percent", i.Config.Emergency.MaxDrawdownPercent, true)

	i.initialized = true
	log.Info().
		Str("state_backend", i.Config.State.Backend).
		Str("events_backend", i.Config.Events.Backend).
		Msg("Infrastructure initialized")
	return nil
}

// Shutdown tears the backends down in reverse initialization order.
func (i *Infrastructure) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized {
		return nil
	}
	i.initialized = false
	return i.teardown()
}

func (i *Infrastructure) pushCleanup(fn func() error) {
	i.cleanup = append(i.cleanup, fn)
}

func (i *Infrastructure) teardown() error {
	var errs []string
	for n := len(i.cleanup) - 1; n >= 0; n-- {
		if err := i.cleanup[n](); err != nil {
			errs = append(errs, err.Error())
		}
	}
	i.cleanup = nil
	if len(errs) > 0 {
		return fmt.Errorf("infra shutdown: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Health reports the status of each sub-component for the /health
// endpoint.
type Health struct {
	State     string `json:"state"`
	Events    string `json:"events"`
	Emergency string `json:"emergency"`
}

// Healthy reports whether every sub-component allows normal service.
func (h Health) Healthy() bool {
	return h.State == "healthy" && h.Events == "healthy" && h.Emergency != "shutdown"
}

func (i *Infrastructure) Health(ctx context.Context) Health {
	h := Health{State: "unhealthy", Events: "unhealthy", Emergency: "unknown"}
	if i.Store != nil && i.Store.Ping(ctx) == nil {
		h.State = "healthy"
	}
	if i.Bus != nil && i.Bus.Ping(ctx) == nil {
		h.Events = "healthy"
	}
	if i.Emergency != nil {
		h.Emergency = strings.ToLower(i.Emergency.State().String())
	}
	return h
}
