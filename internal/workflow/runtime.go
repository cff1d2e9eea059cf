package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/resilience"
)

// Options identify one runtime instance and tune its dispatch.
type Options struct {
	WorkflowID  string
	BotID       string
	StrategyID  string
	Registry    *Registry
	MaxParallel int
}

// Runtime runs one strategy definition with per-category resilience,
// emergency checkpoints, state persistence and event emission. One
// instance per (definition, workflow, bot, strategy) tuple.
type Runtime struct {
	def        *Definition
	workflowID string
	botID      string
	strategyID string
	registry   *Registry
	inf        *infra.Infrastructure
	executor   *Executor

	mu          sync.Mutex
	initialized bool
	breaker     *resilience.Breaker
	cancel      context.CancelFunc
}

func NewRuntime(def *Definition, opts Options, inf *infra.Infrastructure) *Runtime {
	return &Runtime{
		def:        def,
		workflowID: opts.WorkflowID,
		botID:      opts.BotID,
		strategyID: opts.StrategyID,
		registry:   opts.Registry,
		inf:        inf,
		executor:   NewExecutor(opts.MaxParallel),
	}
}

// Initialize validates the definition and registers the per-workflow
// circuit breaker. Idempotent: repeated calls register nothing new.
func (r *Runtime) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if r.workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if r.registry == nil {
		return fmt.Errorf("handler registry is required")
	}
	if err := r.def.Validate(); err != nil {
		return err
	}
	r.breaker = r.inf.Breakers.Get("api:" + r.workflowID)
	r.initialized = true
	return nil
}

// Breaker exposes the per-workflow breaker for observability.
func (r *Runtime) Breaker() *resilience.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breaker
}

// Cancel requests cooperative cancellation of an in-flight Execute: no
// new nodes are dispatched and running handlers observe a cancelled
// context. It never reverses emitted events or written state.
func (r *Runtime) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Execute runs the strategy once. Node handler failures are captured in
// the record, not returned; the error is non-nil only for emergency
// halts, structural defects (cycle, missing handler) and cancellation.
func (r *Runtime) Execute(ctx context.Context) (*ExecutionRecord, error) {
	if err := r.Initialize(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	executionID := mintExecutionID(r.workflowID)
	ctx = logger.WithCorrelation(ctx, executionID)
	log := logger.Ctx(ctx)

	ref := events.ExecutionRef{
		ExecutionID: executionID,
		WorkflowID:  r.workflowID,
		BotID:       r.botID,
		StrategyID:  r.strategyID,
	}
	rec := &ExecutionRecord{
		ExecutionID:   executionID,
		WorkflowID:    r.workflowID,
		BotID:         r.botID,
		StrategyID:    r.strategyID,
		StartedAt:     time.Now().UTC(),
		Status:        StatusRunning,
		NodeOutputs:   make(map[string]map[string]any),
		NodeDurations: make(map[string]int64),
	}

	// Emergency preflight: the run halts before any state write or event
	// when operation (or trading, for strategies placing orders) is
	// forbidden.
	preErr := r.inf.Emergency.AssertCanOperate()
	if preErr == nil && r.def.HasCategory(CategoryActions) {
		preErr = r.inf.Emergency.AssertCanTrade()
	}
	if preErr != nil {
		var halted *emergency.HaltedError
		reason := preErr.Error()
		if errors.As(preErr, &halted) {
			reason = halted.Reason
		}
		rec.Status = StatusHalted
		rec.EndedAt = time.Now().UTC()
		rec.Error = &ExecutionError{Kind: "emergency_halted", Message: preErr.Error()}
		r.persistTerminal(ctx, rec)
		r.publish(ctx, events.NewExecutionHalted(ref, reason))
		metrics.RecordExecution(r.workflowID, string(rec.Status), rec.EndedAt.Sub(rec.StartedAt))
		log.Warn().Str("reason", reason).Msg("Execution halted before start")
		return rec, preErr
	}

	log.Info().Int("node_count", len(r.def.Nodes)).Msg("Execution started")
	r.persistStatus(ctx, executionID, StatusRunning)
	r.publish(ctx, events.NewExecutionStarted(ref, len(r.def.Nodes)))

	gate := func(node *Node) error {
		if node.Category == CategoryActions {
			return r.inf.Emergency.AssertCanTrade()
		}
		return nil
	}

	report, runErr := r.executor.Run(ctx, r.def, r.runner(), &busObserver{runtime: r, ref: ref}, gate)

	rec.EndedAt = time.Now().UTC()
	duration := rec.EndedAt.Sub(rec.StartedAt)
	var firstErr error
	if report != nil {
		for id, res := range report.Results {
			if res.Status == NodeCompleted {
				rec.NodeOutputs[id] = res.Outputs
			}
			if res.Status != NodeNotExecuted {
				rec.NodeDurations[id] = res.Duration.Milliseconds()
			}
			if res.Err != nil && firstErr == nil {
				firstErr = res.Err
			}
		}
	}

	var halted *emergency.HaltedError
	switch {
	case errors.As(runErr, &halted):
		rec.Status = StatusHalted
		rec.Error = &ExecutionError{Kind: "emergency_halted", Message: runErr.Error()}
	case runErr != nil:
		rec.Status = StatusFailed
		rec.Error = &ExecutionError{Kind: errorKind(runErr), Message: runErr.Error()}
	case report.Failed:
		rec.Status = StatusFailed
		if firstErr != nil {
			rec.Error = &ExecutionError{Kind: errorKind(firstErr), Message: firstErr.Error()}
		} else {
			rec.Error = &ExecutionError{Kind: "node_failure", Message: "a terminal node did not complete"}
		}
	default:
		rec.Status = StatusCompleted
	}

	r.persistTerminal(ctx, rec)
	switch rec.Status {
	case StatusHalted:
		reason := rec.Error.Message
		if halted != nil {
			reason = halted.Reason
		}
		r.publish(ctx, events.NewExecutionHalted(ref, reason))
	case StatusFailed:
		r.publish(ctx, events.NewExecutionFailed(ref, duration.Milliseconds(), rec.Error.Kind, rec.Error.Message))
	default:
		r.publish(ctx, events.NewExecutionCompleted(ref, duration.Milliseconds()))
	}
	metrics.RecordExecution(r.workflowID, string(rec.Status), duration)
	log.Info().Str("status", string(rec.Status)).Dur("duration", duration).Msg("Execution finished")

	if runErr != nil {
		return rec, runErr
	}
	// A registration gap is a deployment defect; surface it even though
	// the run itself terminated cleanly as failed.
	var noHandler *NoHandlerError
	if errors.As(firstErr, &noHandler) {
		return rec, noHandler
	}
	return rec, nil
}

// runner wraps each node handler according to its category before the
// executor sees it: providers get retry, timeout and the shared breaker;
// risk nodes report their observation to the emergency controller;
// everything else gets a bare timeout (actions are not idempotent, so
// they are never retried).
func (r *Runtime) runner() NodeRunner {
	res := r.inf.Config.Resilience
	return func(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error) {
		handler, ok := r.registry.Get(node.Category, node.Type)
		if !ok {
			return nil, &NoHandlerError{NodeID: node.ID, Category: node.Category, Type: node.Type}
		}

		call := Call{Node: node, Inputs: inputs, Properties: node.Properties, Infra: r.inf}
		op := func(ctx context.Context) (map[string]any, error) {
			return handler(ctx, call)
		}
		timeout := node.Timeout(res.DefaultNodeTimeout)
		opName := fmt.Sprintf("node %s", node.ID)

		switch node.Category {
		case CategoryProviders:
			guarded := resilience.Guard(r.breaker, op)
			timed := resilience.WithTimeout(guarded, timeout, opName)
			return resilience.WithRetry(timed, resilience.RetryPolicy{
				MaxAttempts: res.RetryMaxAttempts,
				MinWait:     res.RetryMinWait,
				MaxWait:     res.RetryMaxWait,
				Multiplier:  res.RetryMultiplier,
			})(ctx)
		case CategoryRisk:
			out, err := resilience.WithTimeout(op, timeout, opName)(ctx)
			if err != nil {
				return nil, err
			}
			r.reportRiskCheck(ctx, node, out)
			return out, nil
		default:
			return resilience.WithTimeout(op, timeout, opName)(ctx)
		}
	}
}

// reportRiskCheck feeds a risk node's observation into the emergency
// controller. A breach may auto-halt the controller; the node itself
// still completes, and the halt takes effect at the next action-node
// dispatch point.
func (r *Runtime) reportRiskCheck(ctx context.Context, node *Node, outputs map[string]any) {
	name, _ := outputs["limit_name"].(string)
	if name == "" {
		return
	}
	value, ok := toFloat(outputs["current_value"])
	if !ok {
		logger.Ctx(ctx).Warn().Str("node_id", node.ID).Msg("Risk node produced no numeric current_value")
		return
	}
	check, err := r.inf.Emergency.CheckLimit(ctx, name, value)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("node_id", node.ID).Msg("Risk check failed")
		return
	}
	logger.Ctx(ctx).Debug().
		Str("limit", name).
		Bool("ok", check.OK).
		Float64("utilization", check.Utilization).
		Msg("Risk limit checked")
}

// busObserver projects executor callbacks onto the event bus.
type busObserver struct {
	runtime *Runtime
	ref     events.ExecutionRef
}

func (o *busObserver) NodeStarted(ctx context.Context, node *Node) {
	o.runtime.publish(ctx, events.NewNodeStarted(o.ref, node.ID, string(node.Category), node.Type))
}

func (o *busObserver) NodeFinished(ctx context.Context, node *Node, res *NodeResult) {
	ms := res.Duration.Milliseconds()
	if res.Status == NodeCompleted {
		o.runtime.publish(ctx, events.NewNodeCompleted(o.ref, node.ID, ms))
	} else {
		o.runtime.publish(ctx, events.NewNodeFailed(o.ref, node.ID, ms, errorKind(res.Err), res.Err.Error()))
	}
	metrics.RecordNodeExecution(string(node.Category), string(res.Status), res.Duration)
}

// publish is best-effort: a bus failure is logged and counted, never
// fatal to the execution.
func (r *Runtime) publish(ctx context.Context, evt events.Event) {
	if err := r.inf.Bus.Publish(ctx, events.ChannelWorkflowEvents, evt); err != nil {
		metrics.EventsDroppedTotal.Inc()
		logger.Ctx(ctx).Error().Err(err).Str("event_type", evt.Type).Msg("Failed to publish workflow event")
	}
}

func (r *Runtime) persistStatus(ctx context.Context, executionID string, status Status) {
	if err := r.inf.Store.Set(ctx, keyStatus(r.workflowID, executionID), string(status)); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to persist execution status")
	}
}

func (r *Runtime) persistTerminal(ctx context.Context, rec *ExecutionRecord) {
	r.persistStatus(ctx, rec.ExecutionID, rec.Status)
	if err := r.inf.Store.Set(ctx, keyResult(r.workflowID, rec.ExecutionID), rec); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to persist execution result")
	}
	if err := r.inf.Store.Set(ctx, keyLatestExecution(r.workflowID), rec.ExecutionID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to persist latest execution pointer")
	}
}

func mintExecutionID(workflowID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%s_%s", workflowID, suffix)
}

// errorKind classifies an error for event payloads and records.
func errorKind(err error) string {
	var (
		noHandler *NoHandlerError
		cycle     *CycleError
		timeout   *resilience.TimeoutError
		open      *resilience.CircuitOpenError
		conn      *resilience.ConnectionError
		halted    *emergency.HaltedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &noHandler):
		return "no_handler"
	case errors.As(err, &cycle):
		return "workflow_cycle"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &conn):
		return "connection"
	case errors.As(err, &halted):
		return "emergency_halted"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "handler_error"
	}
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
