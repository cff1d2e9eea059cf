package workflow

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/resilience"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/state"
)

// syncBus records publishes synchronously so event order assertions are
// deterministic.
type syncBus struct {
	mu   sync.Mutex
	evts []events.Event
}

func (b *syncBus) Publish(ctx context.Context, channel string, evt events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt.Channel = channel
	b.evts = append(b.evts, evt)
	return nil
}

func (b *syncBus) Subscribe(string, events.Handler) (events.Subscription, error) {
	return nil, nil
}

func (b *syncBus) SubscribePattern(string, events.Handler) (events.Subscription, error) {
	return nil, nil
}

func (b *syncBus) Ping(context.Context) error { return nil }
func (b *syncBus) Close() error               { return nil }

// types returns the captured event type sequence, skipping emergency
// transitions so workflow lifecycle assertions stay focused.
func (b *syncBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.evts {
		if e.Type != events.TypeEmergencyStateChanged {
			out = append(out, e.Type)
		}
	}
	return out
}

func (b *syncBus) all() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.evts))
	copy(out, b.evts)
	return out
}

func newTestInfra(t *testing.T, mutate func(*config.Config)) (*infra.Infrastructure, *syncBus) {
	t.Helper()
	cfg := config.Default(config.EnvDevelopment)
	cfg.Resilience.RetryMinWait = time.Millisecond
	cfg.Resilience.RetryMaxWait = 2 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	bus := &syncBus{}
	store := state.NewMemoryStore()
	return &infra.Infrastructure{
		Config: cfg,
		Store:  store,
		Bus:    bus,
		Breakers: resilience.NewBreakerGroup(resilience.BreakerDefaults{
			FailureThreshold: cfg.Resilience.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.Resilience.CircuitRecoveryTimeout,
			HalfOpenMaxCalls: cfg.Resilience.CircuitHalfOpenMaxCalls,
		}),
		Emergency: emergency.NewController(emergency.Config{Bus: bus, Store: store}),
	}, bus
}

// chainDef is a three-node chain: provider -> condition -> action.
func chainDef() *Definition {
	return &Definition{
		Nodes: []Node{
			{ID: "provider_1", Category: CategoryProviders, Type: "price"},
			{ID: "condition_1", Category: CategoryConditions, Type: "expression"},
			{ID: "action_1", Category: CategoryActions, Type: "order"},
		},
		Edges: []Edge{
			{FromNodeID: "provider_1", ToNodeID: "condition_1"},
			{FromNodeID: "condition_1", ToNodeID: "action_1"},
		},
	}
}

func chainRegistry(calls map[string]*int) *Registry {
	r := NewRegistry()
	count := func(name string) {
		if calls != nil {
			if c, ok := calls[name]; ok {
				*c++
			}
		}
	}
	r.Register(CategoryProviders, "price", func(ctx context.Context, call Call) (map[string]any, error) {
		count("provider_1")
		return map[string]any{"price": 50000.0}, nil
	})
	r.Register(CategoryConditions, "expression", func(ctx context.Context, call Call) (map[string]any, error) {
		count("condition_1")
		return map[string]any{"result": true}, nil
	})
	r.Register(CategoryActions, "order", func(ctx context.Context, call Call) (map[string]any, error) {
		count("action_1")
		return map[string]any{"order_id": "o-1"}, nil
	})
	return r
}

func TestExecuteHappyPath(t *testing.T) {
	inf, bus := newTestInfra(t, nil)
	rt := NewRuntime(chainDef(), Options{WorkflowID: "arb_btc", Registry: chainRegistry(nil)}, inf)

	ctx := context.Background()
	rec, err := rt.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Regexp(t, regexp.MustCompile(`^exec_arb_btc_[0-9a-f]{8}$`), rec.ExecutionID)
	assert.Equal(t, map[string]any{"price": 50000.0}, rec.NodeOutputs["provider_1"])
	assert.Len(t, rec.NodeDurations, 3)

	assert.Equal(t, []string{
		events.TypeExecutionStarted,
		events.TypeNodeStarted, events.TypeNodeCompleted,
		events.TypeNodeStarted, events.TypeNodeCompleted,
		events.TypeNodeStarted, events.TypeNodeCompleted,
		events.TypeExecutionCompleted,
	}, bus.types())

	// Every event of the execution carries its correlation identifiers.
	for _, e := range bus.all() {
		if e.Type == events.TypeEmergencyStateChanged {
			continue
		}
		assert.Equal(t, rec.ExecutionID, e.Str("execution_id"))
		assert.Equal(t, "arb_btc", e.Str("workflow_id"))
	}

	status, found, err := state.GetString(ctx, inf.Store, "workflow:arb_btc:execution:"+rec.ExecutionID+":status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", status)

	latest, _, err := state.GetString(ctx, inf.Store, "workflow:arb_btc:latest_execution")
	require.NoError(t, err)
	assert.Equal(t, rec.ExecutionID, latest)

	var stored ExecutionRecord
	found, err = state.GetJSON(ctx, inf.Store, "workflow:arb_btc:execution:"+rec.ExecutionID+":result", &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.ExecutionID, stored.ExecutionID)
}

func TestExecuteHaltedBeforeRun(t *testing.T) {
	inf, bus := newTestInfra(t, nil)
	ctx := context.Background()
	require.NoError(t, inf.Emergency.Halt(ctx, "test"))

	calls := map[string]*int{"provider_1": new(int)}
	rt := NewRuntime(chainDef(), Options{WorkflowID: "arb_btc", Registry: chainRegistry(calls)}, inf)

	rec, err := rt.Execute(ctx)
	var halted *emergency.HaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, emergency.StateHalt, halted.State)

	assert.Equal(t, StatusHalted, rec.Status)
	assert.Equal(t, 0, *calls["provider_1"], "no node runs under halt")
	assert.Equal(t, []string{events.TypeExecutionHalted}, bus.types(), "only the terminal event is emitted")

	status, _, err := state.GetString(ctx, inf.Store, "workflow:arb_btc:execution:"+rec.ExecutionID+":status")
	require.NoError(t, err)
	assert.Equal(t, "halted", status)
}

func TestExecuteAutoHaltOnRiskLimit(t *testing.T) {
	inf, bus := newTestInfra(t, nil)
	ctx := context.Background()
	inf.Emergency.RegisterLimit("daily_loss", -100.0, true)

	def := &Definition{
		Nodes: []Node{
			{ID: "pnl", Category: CategoryProviders, Type: "pnl"},
			{ID: "risk_1", Category: CategoryRisk, Type: "threshold", Properties: map[string]any{
				"limit_name": "daily_loss",
				"value_key":  "pnl",
			}},
			{ID: "action_1", Category: CategoryActions, Type: "order"},
		},
		Edges: []Edge{
			{FromNodeID: "pnl", ToNodeID: "risk_1"},
			{FromNodeID: "risk_1", ToNodeID: "action_1"},
		},
	}

	actionCalls := 0
	reg := NewRegistry()
	reg.Register(CategoryProviders, "pnl", func(ctx context.Context, call Call) (map[string]any, error) {
		return map[string]any{"pnl": -120.0}, nil
	})
	reg.Register(CategoryRisk, "threshold", func(ctx context.Context, call Call) (map[string]any, error) {
		name := call.Properties["limit_name"].(string)
		value := call.Inputs[call.Properties["value_key"].(string)]
		return map[string]any{"limit_name": name, "current_value": value}, nil
	})
	reg.Register(CategoryActions, "order", func(ctx context.Context, call Call) (map[string]any, error) {
		actionCalls++
		return nil, nil
	})

	rt := NewRuntime(def, Options{WorkflowID: "guarded", Registry: reg}, inf)
	rec, err := rt.Execute(ctx)

	var halted *emergency.HaltedError
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, StatusHalted, rec.Status)
	assert.Equal(t, emergency.StateHalt, inf.Emergency.State())
	assert.Equal(t, 0, actionCalls, "the action after the breach never dispatches")

	seq := bus.types()
	require.NotEmpty(t, seq)
	assert.Equal(t, events.TypeExecutionHalted, seq[len(seq)-1])
	assert.Contains(t, seq, events.TypeNodeCompleted, "the risk node itself completes")

	// Without a Resume the next run halts in preflight.
	rec2, err := rt.Execute(ctx)
	require.ErrorAs(t, err, &halted)
	assert.Equal(t, StatusHalted, rec2.Status)
}

func TestExecuteRetryThenSuccess(t *testing.T) {
	inf, bus := newTestInfra(t, func(cfg *config.Config) {
		cfg.Resilience.RetryMaxAttempts = 3
	})

	calls := 0
	reg := NewRegistry()
	reg.Register(CategoryProviders, "price", func(ctx context.Context, call Call) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, &resilience.ConnectionError{Provider: "binance", Err: errors.New("refused")}
		}
		return map[string]any{"price": 50000.0}, nil
	})

	def := &Definition{Nodes: []Node{{ID: "provider_1", Category: CategoryProviders, Type: "price"}}}
	rt := NewRuntime(def, Options{WorkflowID: "retry_wf", Registry: reg}, inf)

	rec, err := rt.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 3, calls, "two failures then one success")

	completed := 0
	for _, typ := range bus.types() {
		if typ == events.TypeNodeCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "retries emit a single node_completed")
}

func TestExecuteCircuitOpensAcrossRuns(t *testing.T) {
	inf, _ := newTestInfra(t, func(cfg *config.Config) {
		cfg.Resilience.RetryMaxAttempts = 1
		cfg.Resilience.CircuitFailureThreshold = 2
	})

	calls := 0
	reg := NewRegistry()
	reg.Register(CategoryProviders, "price", func(ctx context.Context, call Call) (map[string]any, error) {
		calls++
		return nil, &resilience.ConnectionError{Provider: "kraken", Err: errors.New("refused")}
	})

	def := &Definition{Nodes: []Node{{ID: "provider_1", Category: CategoryProviders, Type: "price"}}}
	rt := NewRuntime(def, Options{WorkflowID: "flaky", Registry: reg}, inf)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec, err := rt.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
	}
	require.Equal(t, resilience.StateOpen, rt.Breaker().State())

	rec, err := rt.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "circuit_open", rec.Error.Kind)
	assert.Equal(t, 2, calls, "the open breaker fast-fails without touching the handler")
}

func TestExecuteMissingHandlerSurfaces(t *testing.T) {
	inf, bus := newTestInfra(t, nil)
	def := &Definition{Nodes: []Node{{ID: "mystery", Category: CategoryProviders, Type: "unbound"}}}
	rt := NewRuntime(def, Options{WorkflowID: "w", Registry: NewRegistry()}, inf)

	rec, err := rt.Execute(context.Background())
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "mystery", noHandler.NodeID)
	assert.Equal(t, StatusFailed, rec.Status)

	seq := bus.types()
	assert.Contains(t, seq, events.TypeNodeFailed)
	assert.Equal(t, events.TypeExecutionFailed, seq[len(seq)-1])
}

func TestExecuteNodeTimeout(t *testing.T) {
	inf, _ := newTestInfra(t, func(cfg *config.Config) {
		cfg.Resilience.RetryMaxAttempts = 1
	})

	reg := NewRegistry()
	reg.Register(CategoryActions, "slow", func(ctx context.Context, call Call) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &Definition{Nodes: []Node{
		{ID: "slow_1", Category: CategoryActions, Type: "slow", TimeoutSeconds: 0.02},
	}}
	rt := NewRuntime(def, Options{WorkflowID: "slow_wf", Registry: reg}, inf)

	rec, err := rt.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "timeout", rec.Error.Kind)
}

func TestExecuteCancelStopsNewNodes(t *testing.T) {
	inf, _ := newTestInfra(t, nil)

	started := make(chan struct{})
	reg := NewRegistry()
	reg.Register(CategoryProviders, "price", func(ctx context.Context, call Call) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Register(CategoryActions, "order", func(ctx context.Context, call Call) (map[string]any, error) {
		return nil, nil
	})

	def := &Definition{
		Nodes: []Node{
			{ID: "provider_1", Category: CategoryProviders, Type: "price"},
			{ID: "action_1", Category: CategoryActions, Type: "order"},
		},
		Edges: []Edge{{FromNodeID: "provider_1", ToNodeID: "action_1"}},
	}
	rt := NewRuntime(def, Options{WorkflowID: "cancel_wf", Registry: reg}, inf)

	go func() {
		<-started
		rt.Cancel()
	}()

	rec, err := rt.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestInitializeIsIdempotent(t *testing.T) {
	inf, _ := newTestInfra(t, nil)
	rt := NewRuntime(chainDef(), Options{WorkflowID: "arb_btc", Registry: chainRegistry(nil)}, inf)

	require.NoError(t, rt.Initialize())
	b := rt.Breaker()
	require.NoError(t, rt.Initialize())

	assert.Same(t, b, rt.Breaker())
	assert.Len(t, inf.Breakers.Snapshots(), 1, "re-initialization registers no duplicate breaker")
}

func TestInitializeRejectsInvalidDefinition(t *testing.T) {
	inf, _ := newTestInfra(t, nil)
	def := &Definition{Nodes: []Node{{ID: "a", Category: "widgets", Type: "t"}}}
	rt := NewRuntime(def, Options{WorkflowID: "w", Registry: NewRegistry()}, inf)

	var verr *ValidationError
	require.ErrorAs(t, rt.Initialize(), &verr)
}
