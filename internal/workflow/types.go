// Package workflow contains the graph executor and the enhanced runtime
// that together run user-authored strategies: DAG scheduling, per-node
// resilience by category, emergency checkpoints, state persistence and
// lifecycle event emission.
package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Category governs which resilience wrappers and safety checks apply to
// a node.
type Category string

const (
	CategoryProviders  Category = "providers"
	CategoryTriggers   Category = "triggers"
	CategoryConditions Category = "conditions"
	CategoryActions    Category = "actions"
	CategoryRisk       Category = "risk"
)

func (c Category) valid() bool {
	switch c {
	case CategoryProviders, CategoryTriggers, CategoryConditions, CategoryActions, CategoryRisk:
		return true
	}
	return false
}

// Node is one vertex of a strategy graph.
type Node struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	// TimeoutSeconds overrides the configured default node timeout.
	TimeoutSeconds float64 `json:"timeout,omitempty"`
}

// Timeout resolves the per-node timeout, falling back to def.
func (n *Node) Timeout(def time.Duration) time.Duration {
	if n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds * float64(time.Second))
	}
	return def
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	FromNodeID      string `json:"from_node_id"`
	FromOutputIndex int    `json:"from_output_index"`
	ToNodeID        string `json:"to_node_id"`
	ToInputIndex    int    `json:"to_input_index"`
}

// Definition is a strategy: an acyclic graph over nodes and edges.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func (d *Definition) node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// HasCategory reports whether any node carries the given category.
func (d *Definition) HasCategory(c Category) bool {
	for i := range d.Nodes {
		if d.Nodes[i].Category == c {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants: unique node IDs, known
// categories, edge endpoints referencing existing nodes with non-negative
// port indices, and acyclicity.
func (d *Definition) Validate() error {
	verr := &ValidationError{}

	seen := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			verr.add(fmt.Sprintf("node %d: empty id", i))
			continue
		}
		if seen[n.ID] {
			verr.add(fmt.Sprintf("node %q: duplicate id", n.ID))
		}
		seen[n.ID] = true
		if !n.Category.valid() {
			verr.add(fmt.Sprintf("node %q: unknown category %q", n.ID, n.Category))
		}
		if n.Type == "" {
			verr.add(fmt.Sprintf("node %q: empty type", n.ID))
		}
	}

	for i, e := range d.Edges {
		if !seen[e.FromNodeID] {
			verr.add(fmt.Sprintf("edge %d: unknown from_node_id %q", i, e.FromNodeID))
		}
		if !seen[e.ToNodeID] {
			verr.add(fmt.Sprintf("edge %d: unknown to_node_id %q", i, e.ToNodeID))
		}
		if e.FromOutputIndex < 0 {
			verr.add(fmt.Sprintf("edge %d: negative from_output_index", i))
		}
		if e.ToInputIndex < 0 {
			verr.add(fmt.Sprintf("edge %d: negative to_input_index", i))
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	if _, err := newGraph(d); err != nil {
		return err
	}
	return nil
}

// NodeStatus is the terminal state of one node within a run.
type NodeStatus string

const (
	NodeCompleted   NodeStatus = "completed"
	NodeFailed      NodeStatus = "failed"
	NodeNotExecuted NodeStatus = "not_executed"
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusHalted    Status = "halted"
)

// NodeResult is the per-node outcome of a run.
type NodeResult struct {
	NodeID   string
	Status   NodeStatus
	Outputs  map[string]any
	Err      error
	Duration time.Duration
}

// ExecutionError is the user-visible error shape carried by terminal
// events and the persisted record.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExecutionRecord is owned by the runtime from the moment the execution
// ID is minted until the terminal status is written.
type ExecutionRecord struct {
	ExecutionID   string                    `json:"execution_id"`
	WorkflowID    string                    `json:"workflow_id"`
	BotID         string                    `json:"bot_id,omitempty"`
	StrategyID    string                    `json:"strategy_id,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       time.Time                 `json:"ended_at,omitempty"`
	Status        Status                    `json:"status"`
	NodeOutputs   map[string]map[string]any `json:"per_node_output"`
	NodeDurations map[string]int64          `json:"per_node_duration_ms"`
	Error         *ExecutionError           `json:"error,omitempty"`
}

// ValidationError aggregates structural problems in a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) add(p string) { e.Problems = append(e.Problems, p) }

func (e *ValidationError) Error() string {
	return "invalid workflow definition: " + strings.Join(e.Problems, "; ")
}

// CycleError reports the nodes left unsortable by the topological pass.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return "workflow contains a cycle through: " + strings.Join(e.Nodes, ", ")
}

// NoHandlerError reports a node whose (category, type) has no registered
// handler. A registration gap is a deployment defect, so Execute returns
// it in addition to failing the node.
type NoHandlerError struct {
	NodeID   string
	Category Category
	Type     string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s/%s (node %q)", e.Category, e.Type, e.NodeID)
}

// State store key layout.
func keyStatus(workflowID, executionID string) string {
	return fmt.Sprintf("workflow:%s:execution:%s:status", workflowID, executionID)
}

func keyResult(workflowID, executionID string) string {
	return fmt.Sprintf("workflow:%s:execution:%s:result", workflowID, executionID)
}

func keyLatestExecution(workflowID string) string {
	return fmt.Sprintf("workflow:%s:latest_execution", workflowID)
}
