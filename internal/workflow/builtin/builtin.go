// Package builtin registers the minimal handler set a bare deployment
// needs to run strategies without external providers: a manual trigger,
// an expression condition, a log action and a threshold risk check.
package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/workflow"
)

// Register binds every built-in handler into r.
func Register(r *workflow.Registry) {
	r.Register(workflow.CategoryTriggers, "manual", ManualTrigger)
	r.Register(workflow.CategoryConditions, "expression", ExpressionCondition)
	r.Register(workflow.CategoryActions, "log", LogAction)
	r.Register(workflow.CategoryRisk, "threshold", ThresholdRisk)
}

// ManualTrigger starts a strategy by emitting its properties as outputs.
func ManualTrigger(ctx context.Context, call workflow.Call) (map[string]any, error) {
	out := make(map[string]any, len(call.Properties))
	for k, v := range call.Properties {
		out[k] = v
	}
	return out, nil
}

// ExpressionCondition evaluates the "expression" property against an
// environment exposing the node's inputs and properties. The result must
// be a boolean; it is emitted both as result and as a branch name.
func ExpressionCondition(ctx context.Context, call workflow.Call) (map[string]any, error) {
	src, _ := call.Properties["expression"].(string)
	if src == "" {
		return nil, fmt.Errorf("condition node %q: missing expression property", call.Node.ID)
	}

	env := map[string]any{
		"inputs":     call.Inputs,
		"properties": call.Properties,
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("condition node %q: compile: %w", call.Node.ID, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("condition node %q: evaluate: %w", call.Node.ID, err)
	}

	ok, _ := result.(bool)
	branch := "false"
	if ok {
		branch = "true"
	}
	return map[string]any{"result": ok, "branch": branch}, nil
}

// LogAction logs its inputs at info level and echoes them as outputs.
func LogAction(ctx context.Context, call workflow.Call) (map[string]any, error) {
	logger.Ctx(ctx).Info().
		Str("node_id", call.Node.ID).
		Interface("inputs", call.Inputs).
		Msg("Log action")
	out := make(map[string]any, len(call.Inputs))
	for k, v := range call.Inputs {
		out[k] = v
	}
	return out, nil
}

// ThresholdRisk reads the observed value from its inputs (the input port
// named by the value_key property, default "value") and emits the
// (limit_name, current_value) pair consumed by the runtime's risk hook.
func ThresholdRisk(ctx context.Context, call workflow.Call) (map[string]any, error) {
	limitName, _ := call.Properties["limit_name"].(string)
	if limitName == "" {
		return nil, fmt.Errorf("risk node %q: missing limit_name property", call.Node.ID)
	}
	valueKey, _ := call.Properties["value_key"].(string)
	if valueKey == "" {
		valueKey = "value"
	}

	raw, ok := call.Inputs[valueKey]
	if !ok {
		raw = call.Properties[valueKey]
	}
	value, ok := toFloat(raw)
	if !ok {
		return nil, fmt.Errorf("risk node %q: no numeric %q input", call.Node.ID, valueKey)
	}

	return map[string]any{"limit_name": limitName, "current_value": value}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
