package emergency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/state"
)

// recordingBus captures published events without delivery machinery.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, channel string, evt events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt.Channel = channel
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) Subscribe(channel string, handler events.Handler) (events.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) SubscribePattern(pattern string, handler events.Handler) (events.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Ping(ctx context.Context) error { return nil }

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.events))
	copy(out, b.events)
	return out
}

func newTestController(t *testing.T) (*Controller, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	return NewController(Config{Bus: bus}), bus
}

func TestControllerStartsNormal(t *testing.T) {
	c, _ := newTestController(t)
	assert.Equal(t, StateNormal, c.State())
	assert.True(t, c.CanOperate())
	assert.True(t, c.CanTrade())
	assert.NoError(t, c.AssertCanOperate())
	assert.NoError(t, c.AssertCanTrade())
}

func TestTransitionTable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(c *Controller)
		move    func(c *Controller) error
		wantErr bool
		want    State
	}{
		{"normal to alert", nil, func(c *Controller) error { return c.Alert(ctx, "drawdown") }, false, StateAlert},
		{"normal to halt", nil, func(c *Controller) error { return c.Halt(ctx, "manual") }, false, StateHalt},
		{"normal to shutdown", nil, func(c *Controller) error { return c.Shutdown(ctx, "bye") }, false, StateShutdown},
		{"alert to normal", func(c *Controller) { _ = c.Alert(ctx, "a") }, func(c *Controller) error { return c.Resume(ctx, "ok") }, false, StateNormal},
		{"alert to halt", func(c *Controller) { _ = c.Alert(ctx, "a") }, func(c *Controller) error { return c.Halt(ctx, "h") }, false, StateHalt},
		{"halt to normal", func(c *Controller) { _ = c.Halt(ctx, "h") }, func(c *Controller) error { return c.Resume(ctx, "ok") }, false, StateNormal},
		{"halt to alert forbidden", func(c *Controller) { _ = c.Halt(ctx, "h") }, func(c *Controller) error { return c.Alert(ctx, "a") }, true, StateHalt},
		{"halt to shutdown", func(c *Controller) { _ = c.Halt(ctx, "h") }, func(c *Controller) error { return c.Shutdown(ctx, "bye") }, false, StateShutdown},
		{"shutdown is terminal", func(c *Controller) { _ = c.Shutdown(ctx, "bye") }, func(c *Controller) error { return c.Resume(ctx, "no") }, true, StateShutdown},
		{"resume while normal is a no-op", nil, func(c *Controller) error { return c.Resume(ctx, "noop") }, false, StateNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t)
			if tt.setup != nil {
				tt.setup(c)
			}
			err := tt.move(c)
			if tt.wantErr {
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, c.State())
		})
	}
}

func TestRepeatedHaltIsNoOp(t *testing.T) {
	c, bus := newTestController(t)
	ctx := context.Background()

	require.NoError(t, c.Halt(ctx, "first"))
	require.NoError(t, c.Halt(ctx, "second"))

	assert.Len(t, bus.published(), 1, "only the real transition publishes")
	assert.Len(t, c.EventLog(), 1)
}

func TestPredicatesPerState(t *testing.T) {
	ctx := context.Background()

	c, _ := newTestController(t)
	require.NoError(t, c.Alert(ctx, "a"))
	assert.True(t, c.CanOperate())
	assert.True(t, c.CanTrade(), "ALERT still allows trading")

	require.NoError(t, c.Halt(ctx, "h"))
	assert.True(t, c.CanOperate())
	assert.False(t, c.CanTrade())

	var halted *HaltedError
	require.ErrorAs(t, c.AssertCanTrade(), &halted)
	assert.Equal(t, StateHalt, halted.State)
	assert.Equal(t, "h", halted.Reason)
	assert.NoError(t, c.AssertCanOperate())

	require.NoError(t, c.Shutdown(ctx, "bye"))
	assert.False(t, c.CanOperate())
	require.ErrorAs(t, c.AssertCanOperate(), &halted)
	assert.Equal(t, StateShutdown, halted.State)
}

func TestTransitionPublishesAndLogs(t *testing.T) {
	c, bus := newTestController(t)
	require.NoError(t, c.Halt(context.Background(), "test halt"))

	published := bus.published()
	require.Len(t, published, 1)
	evt := published[0]
	assert.Equal(t, events.TypeEmergencyStateChanged, evt.Type)
	assert.Equal(t, events.ChannelWorkflowEvents, evt.Channel)
	assert.Equal(t, "NORMAL", evt.Payload["from"])
	assert.Equal(t, "HALT", evt.Payload["to"])
	assert.Equal(t, "test halt", evt.Payload["reason"])

	log := c.EventLog()
	require.Len(t, log, 1)
	assert.Equal(t, "NORMAL", log[0].From)
	assert.Equal(t, "HALT", log[0].To)
	assert.False(t, log[0].Timestamp.IsZero())
}

func TestCheckLimitNegativeFloor(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	c.RegisterLimit("daily_loss", -100.0, true)

	check, err := c.CheckLimit(ctx, "daily_loss", -50.0)
	require.NoError(t, err)
	assert.True(t, check.OK)
	assert.InDelta(t, 0.5, check.Utilization, 1e-9)
	assert.Equal(t, StateNormal, c.State())

	check, err = c.CheckLimit(ctx, "daily_loss", -120.0)
	require.NoError(t, err)
	assert.False(t, check.OK)
	assert.Equal(t, StateHalt, c.State(), "auto-halt limit breach halts the controller")
}

func TestCheckLimitPositiveCeiling(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	c.RegisterLimit("max_position_size", 10000.0, false)

	check, err := c.CheckLimit(ctx, "max_position_size", 12000.0)
	require.NoError(t, err)
	assert.False(t, check.OK)
	assert.Equal(t, StateNormal, c.State(), "non-auto-halt limits never transition")
}

func TestCheckLimitUnknownName(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.CheckLimit(context.Background(), "missing", 1.0)
	require.Error(t, err)
}

func TestCheckLimitUpdatesCurrentValue(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()
	c.RegisterLimit("daily_loss", -100.0, false)

	_, err := c.CheckLimit(ctx, "daily_loss", -42.0)
	require.NoError(t, err)

	limits := c.Limits()
	require.Contains(t, limits, "daily_loss")
	assert.Equal(t, -42.0, limits["daily_loss"].CurrentValue)
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()

	c := NewController(Config{Bus: &recordingBus{}, Store: store, PersistState: true})
	c.RegisterLimit("daily_loss", -100.0, true)
	_, err := c.CheckLimit(ctx, "daily_loss", -120.0)
	require.NoError(t, err)
	require.Equal(t, StateHalt, c.State())

	restored := NewController(Config{Bus: &recordingBus{}, Store: store, PersistState: true})
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, StateHalt, restored.State(), "halt survives a restart when persistence is on")

	limits := restored.Limits()
	require.Contains(t, limits, "daily_loss")
	assert.Equal(t, -120.0, limits["daily_loss"].CurrentValue)
}
