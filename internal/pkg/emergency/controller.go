// Package emergency implements the process-wide safety machine gating
// workflow execution: NORMAL, ALERT, HALT, SHUTDOWN plus a registry of
// risk limits that can trip an automatic halt.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/state"
)

type State int

const (
	StateNormal State = iota
	StateAlert
	StateHalt
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateAlert:
		return "ALERT"
	case StateHalt:
		return "HALT"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseState maps a persisted state name back to a State.
func ParseState(name string) (State, error) {
	switch name {
	case "NORMAL":
		return StateNormal, nil
	case "ALERT":
		return StateAlert, nil
	case "HALT":
		return StateHalt, nil
	case "SHUTDOWN":
		return StateShutdown, nil
	}
	return StateNormal, fmt.Errorf("unknown emergency state %q", name)
}

// HaltedError is returned by the assertion predicates when the machine
// forbids the requested kind of work. It surfaces out of Execute.
type HaltedError struct {
	State  State
	Reason string
}

func (e *HaltedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("emergency state is %s", e.State)
	}
	return fmt.Sprintf("emergency state is %s: %s", e.State, e.Reason)
}

// TransitionError reports a transition the state machine forbids.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("emergency transition %s -> %s forbidden", e.From, e.To)
}

// Transition is one entry of the append-only event log.
type Transition struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// State store keys used when persistence is enabled.
const (
	KeyState      = "emergency:state"
	KeyRiskLimits = "emergency:risk_limits"
)

// Config wires the controller to its collaborators. Store may be nil when
// PersistState is false.
type Config struct {
	Bus          events.Bus
	Store        state.Store
	PersistState bool
}

// Controller is the safety machine. All mutations are serialized by one
// mutex; readers see a consistent snapshot of state and limits.
type Controller struct {
	bus     events.Bus
	store   state.Store
	persist bool
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	reason   string
	limits   map[string]*RiskLimit
	eventLog []Transition
}

func NewController(cfg Config) *Controller {
	return &Controller{
		bus:     cfg.Bus,
		store:   cfg.Store,
		persist: cfg.PersistState && cfg.Store != nil,
		log:     logger.WithComponent("emergency"),
		state:   StateNormal,
		limits:  make(map[string]*RiskLimit),
	}
}

// Restore loads persisted state and limits from the store. Missing keys
// leave the in-memory defaults untouched. Called once at assembly time,
// before the controller is shared.
func (c *Controller) Restore(ctx context.Context) error {
	if !c.persist {
		return nil
	}

	name, found, err := state.GetString(ctx, c.store, KeyState)
	if err != nil {
		return fmt.Errorf("restore emergency state: %w", err)
	}
	if found {
		restored, err := ParseState(name)
		if err != nil {
			return fmt.Errorf("restore emergency state: %w", err)
		}
		c.mu.Lock()
		c.state = restored
		c.mu.Unlock()
		c.log.Info().Str("state", name).Msg("Restored emergency state")
	}

	var limits map[string]*RiskLimit
	found, err = state.GetJSON(ctx, c.store, KeyRiskLimits, &limits)
	if err != nil {
		return fmt.Errorf("restore risk limits: %w", err)
	}
	if found {
		c.mu.Lock()
		for name, l := range limits {
			c.limits[name] = l
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanOperate reports whether any work at all is allowed.
func (c *Controller) CanOperate() bool {
	return c.State() != StateShutdown
}

// CanTrade reports whether order-placing work is allowed.
func (c *Controller) CanTrade() bool {
	s := c.State()
	return s == StateNormal || s == StateAlert
}

func (c *Controller) AssertCanOperate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShutdown {
		return &HaltedError{State: c.state, Reason: c.reason}
	}
	return nil
}

func (c *Controller) AssertCanTrade() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalt || c.state == StateShutdown {
		return &HaltedError{State: c.state, Reason: c.reason}
	}
	return nil
}

// Alert raises the machine to ALERT. Only valid from NORMAL.
func (c *Controller) Alert(ctx context.Context, reason string) error {
	return c.transition(ctx, StateAlert, reason, nil)
}

// Halt stops trading. Valid from NORMAL and ALERT; a repeated Halt while
// already halted is a no-op.
func (c *Controller) Halt(ctx context.Context, reason string) error {
	return c.transition(ctx, StateHalt, reason, nil)
}

// Shutdown is terminal; no transition leaves it.
func (c *Controller) Shutdown(ctx context.Context, reason string) error {
	return c.transition(ctx, StateShutdown, reason, nil)
}

// Resume returns to NORMAL from ALERT or HALT.
func (c *Controller) Resume(ctx context.Context, reason string) error {
	return c.transition(ctx, StateNormal, reason, nil)
}

func allowed(from, to State) bool {
	if from == StateShutdown {
		return false
	}
	switch to {
	case StateNormal:
		return from == StateAlert || from == StateHalt
	case StateAlert:
		return from == StateNormal
	case StateHalt, StateShutdown:
		return true
	}
	return false
}

func (c *Controller) transition(ctx context.Context, to State, reason string, metadata map[string]any) error {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		c.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}

	c.state = to
	c.reason = reason
	entry := Transition{
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	c.eventLog = append(c.eventLog, entry)
	c.mu.Unlock()

	metrics.EmergencyTransitionsTotal.WithLabelValues(entry.From, entry.To).Inc()
	c.log.Warn().
		Str("from", entry.From).
		Str("to", entry.To).
		Str("reason", reason).
		Msg("Emergency state changed")

	// Publish and persist are best-effort: the transition itself already
	// happened and must not be rolled back.
	if c.bus != nil {
		evt := events.NewEmergencyStateChanged(entry.From, entry.To, reason, metadata)
		if err := c.bus.Publish(ctx, events.ChannelWorkflowEvents, evt); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to publish emergency state change")
		}
	}
	if c.persist {
		if err := c.store.Set(ctx, KeyState, to.String()); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to persist emergency state")
		}
	}
	return nil
}

// Snapshot is the read-view exposed over introspection surfaces.
type Snapshot struct {
	State  string               `json:"state"`
	Reason string               `json:"reason,omitempty"`
	Limits map[string]RiskLimit `json:"risk_limits"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits := make(map[string]RiskLimit, len(c.limits))
	for name, l := range c.limits {
		limits[name] = *l
	}
	return Snapshot{
		State:  c.state.String(),
		Reason: c.reason,
		Limits: limits,
	}
}

// EventLog returns a copy of the append-only transition log.
func (c *Controller) EventLog() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.eventLog))
	copy(out, c.eventLog)
	return out
}
