package emergency

import (
	"context"
	"fmt"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
)

// RiskLimit is one registered limit. Negative limit values are loss
// floors (violated when the current value drops to or below them);
// positive values are ceilings.
type RiskLimit struct {
	Name         string  `json:"name"`
	LimitValue   float64 `json:"limit_value"`
	CurrentValue float64 `json:"current_value"`
	AutoHalt     bool    `json:"auto_halt"`
}

func (l *RiskLimit) violated() bool {
	if l.LimitValue < 0 {
		return l.CurrentValue <= l.LimitValue
	}
	return l.CurrentValue >= l.LimitValue
}

// utilization reports how much of the limit is consumed, 1.0 at the
// limit itself.
func (l *RiskLimit) utilization() float64 {
	if l.LimitValue == 0 {
		return 0
	}
	return l.CurrentValue / l.LimitValue
}

// LimitCheck is the result of one CheckLimit call.
type LimitCheck struct {
	OK          bool    `json:"ok"`
	Utilization float64 `json:"utilization"`
}

// RegisterLimit adds or replaces a limit. The current value starts at
// zero; re-registering an existing name keeps its current value.
func (c *Controller) RegisterLimit(name string, limitValue float64, autoHalt bool) {
	c.mu.Lock()
	if existing, ok := c.limits[name]; ok {
		existing.LimitValue = limitValue
		existing.AutoHalt = autoHalt
	} else {
		c.limits[name] = &RiskLimit{Name: name, LimitValue: limitValue, AutoHalt: autoHalt}
	}
	c.mu.Unlock()
}

// CheckLimit records the observed value against the named limit. When the
// value crosses the limit and the limit is marked auto-halt, the
// controller transitions to HALT citing the limit; the check result still
// reports the violation to the caller either way.
func (c *Controller) CheckLimit(ctx context.Context, name string, currentValue float64) (LimitCheck, error) {
	c.mu.Lock()
	l, ok := c.limits[name]
	if !ok {
		c.mu.Unlock()
		return LimitCheck{}, fmt.Errorf("unknown risk limit %q", name)
	}
	l.CurrentValue = currentValue
	violated := l.violated()
	check := LimitCheck{OK: !violated, Utilization: l.utilization()}
	autoHalt := l.AutoHalt
	limitValue := l.LimitValue
	c.mu.Unlock()

	if violated {
		logger.Ctx(ctx).Warn().
			Str("limit", name).
			Float64("limit_value", limitValue).
			Float64("current_value", currentValue).
			Msg("Risk limit violated")
		if autoHalt {
			reason := fmt.Sprintf("risk limit %q violated: current %v crossed limit %v", name, currentValue, limitValue)
			if err := c.transition(ctx, StateHalt, reason, map[string]any{
				"limit":         name,
				"limit_value":   limitValue,
				"current_value": currentValue,
			}); err != nil {
				// Already halted or shut down; the limit breach is recorded
				// in the check result.
				logger.Ctx(ctx).Debug().Err(err).Str("limit", name).Msg("Auto-halt skipped")
			}
		}
	}

	if c.persist {
		c.persistLimits(ctx)
	}
	return check, nil
}

// Limits returns a copy of the registry.
func (c *Controller) Limits() map[string]RiskLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]RiskLimit, len(c.limits))
	for name, l := range c.limits {
		out[name] = *l
	}
	return out
}

func (c *Controller) persistLimits(ctx context.Context) {
	if err := c.store.Set(ctx, KeyRiskLimits, c.Limits()); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to persist risk limits")
	}
}
