package websocket

import (
	"time"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/events"
)

// Client -> server message types.
const (
	msgAuthenticate      = "authenticate"
	msgSubscribeWorkflow = "subscribe_workflow"
	msgSubscribeBot      = "subscribe_bot"
	msgSubscribeStrategy = "subscribe_strategy"
	msgUnsubscribe       = "unsubscribe"
)

// Server -> client message types.
const (
	msgConnected     = "connected"
	msgAuthResponse  = "auth_response"
	msgSubscribed    = "subscribed"
	msgUnsubscribed  = "unsubscribed"
	msgRecentEvents  = "recent_events"
	msgWorkflowEvent = "workflow_event"
	msgError         = "error"
)

// Subscription filter kinds, also the "type" field of subscribed /
// unsubscribed confirmations.
const (
	FilterWorkflow = "workflow"
	FilterBot      = "bot"
	FilterStrategy = "strategy"
)

// clientMessage is the single inbound frame shape. Which fields are
// meaningful depends on Type.
type clientMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`

	// Unsubscribe target.
	Filter string `json:"filter,omitempty"`
	ID     string `json:"id,omitempty"`
}

type connectedMessage struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sid"`
	AuthRequired bool      `json:"auth_required"`
	ServerTime   time.Time `json:"server_time"`
}

type authResponseMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type subscriptionMessage struct {
	Type       string `json:"type"` // subscribed or unsubscribed
	FilterType string `json:"filter"`
	ID         string `json:"id"`
}

type recentEventsMessage struct {
	Type   string         `json:"type"`
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`
}

type workflowEventMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// filter is one session subscription: a payload field to compare and the
// value it must equal.
type filter struct {
	Kind string
	ID   string
}

// matches reports whether the event belongs to this filter's entity.
func (f filter) matches(evt events.Event) bool {
	switch f.Kind {
	case FilterWorkflow:
		return evt.Str("workflow_id") == f.ID
	case FilterBot:
		return evt.Str("bot_id") == f.ID
	case FilterStrategy:
		return evt.Str("strategy_id") == f.ID
	default:
		return false
	}
}
