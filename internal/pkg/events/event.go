package events

import (
	"time"
)

// Canonical workflow event types.
const (
	TypeExecutionStarted      = "execution_started"
	TypeNodeStarted           = "node_started"
	TypeNodeCompleted         = "node_completed"
	TypeNodeFailed            = "node_failed"
	TypeExecutionCompleted    = "execution_completed"
	TypeExecutionFailed       = "execution_failed"
	TypeExecutionHalted       = "execution_halted"
	TypeEmergencyStateChanged = "emergency_state_changed"
)

// ChannelWorkflowEvents carries every canonical workflow event. The
// WebSocket fan-out holds its standing subscription here.
const ChannelWorkflowEvents = "workflow:events"

// Event is the envelope accepted by the bus. Payload is an opaque JSON
// object; workflow events always carry execution_id and workflow_id.
type Event struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an envelope stamped with the current UTC time.
func New(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ExecutionRef identifies the execution an event belongs to.
type ExecutionRef struct {
	ExecutionID string
	WorkflowID  string
	BotID       string
	StrategyID  string
}

func (r ExecutionRef) payload() map[string]any {
	p := map[string]any{
		"execution_id": r.ExecutionID,
		"workflow_id":  r.WorkflowID,
	}
	if r.BotID != "" {
		p["bot_id"] = r.BotID
	}
	if r.StrategyID != "" {
		p["strategy_id"] = r.StrategyID
	}
	return p
}

func NewExecutionStarted(ref ExecutionRef, nodeCount int) Event {
	p := ref.payload()
	p["node_count"] = nodeCount
	return New(TypeExecutionStarted, p)
}

func NewNodeStarted(ref ExecutionRef, nodeID, category, nodeType string) Event {
	p := ref.payload()
	p["node_id"] = nodeID
	p["category"] = category
	p["node_type"] = nodeType
	return New(TypeNodeStarted, p)
}

func NewNodeCompleted(ref ExecutionRef, nodeID string, durationMS int64) Event {
	p := ref.payload()
	p["node_id"] = nodeID
	p["duration_ms"] = durationMS
	return New(TypeNodeCompleted, p)
}

func NewNodeFailed(ref ExecutionRef, nodeID string, durationMS int64, kind, message string) Event {
	p := ref.payload()
	p["node_id"] = nodeID
	p["duration_ms"] = durationMS
	p["error"] = map[string]any{"kind": kind, "message": message}
	return New(TypeNodeFailed, p)
}

func NewExecutionCompleted(ref ExecutionRef, durationMS int64) Event {
	p := ref.payload()
	p["status"] = "completed"
	p["duration_ms"] = durationMS
	return New(TypeExecutionCompleted, p)
}

func NewExecutionFailed(ref ExecutionRef, durationMS int64, kind, message string) Event {
	p := ref.payload()
	p["status"] = "failed"
	p["duration_ms"] = durationMS
	p["error"] = map[string]any{"kind": kind, "message": message}
	return New(TypeExecutionFailed, p)
}

func NewExecutionHalted(ref ExecutionRef, reason string) Event {
	p := ref.payload()
	p["status"] = "halted"
	p["reason"] = reason
	return New(TypeExecutionHalted, p)
}

func NewEmergencyStateChanged(from, to, reason string, metadata map[string]any) Event {
	p := map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	}
	if len(metadata) > 0 {
		p["metadata"] = metadata
	}
	return New(TypeEmergencyStateChanged, p)
}

// Str returns a string payload field, or "" when absent.
func (e Event) Str(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}
