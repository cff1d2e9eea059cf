package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NodeRunner invokes one node. The runtime injects the category-specific
// resilience wrapping here, so the executor stays domain-agnostic.
type NodeRunner func(ctx context.Context, node *Node, inputs map[string]any) (map[string]any, error)

// NodeObserver receives node lifecycle callbacks. The executor emits no
// events itself; its caller owns event emission.
type NodeObserver interface {
	NodeStarted(ctx context.Context, node *Node)
	NodeFinished(ctx context.Context, node *Node, result *NodeResult)
}

// DispatchGate is consulted before each node is dispatched. A non-nil
// error stops the run: already-started nodes finish, everything not yet
// dispatched is reported not_executed, and Run returns the gate error.
type DispatchGate func(node *Node) error

type nopObserver struct{}

func (nopObserver) NodeStarted(context.Context, *Node)               {}
func (nopObserver) NodeFinished(context.Context, *Node, *NodeResult) {}

// RunReport is the outcome of one executor run.
type RunReport struct {
	Results map[string]*NodeResult
	// Failed reports whether any terminal node (no outbound edges) ended
	// in a state other than completed.
	Failed bool
}

// Executor schedules a definition level by level in topological order,
// dispatching independent nodes of one level concurrently when
// MaxParallel exceeds one. Tie-break among ready nodes is node-id
// lexicographic either way.
type Executor struct {
	// MaxParallel bounds concurrent node dispatch within one level;
	// values below two run sequentially.
	MaxParallel int
}

func NewExecutor(maxParallel int) *Executor {
	return &Executor{MaxParallel: maxParallel}
}

// Run executes def. A cycle fails before any node is observed. A failed
// node marks its downstream not_executed; independent branches continue.
// The returned error is nil unless the run was stopped by the gate, the
// context, or a structural defect.
func (e *Executor) Run(ctx context.Context, def *Definition, runner NodeRunner, obs NodeObserver, gate DispatchGate) (*RunReport, error) {
	g, err := newGraph(def)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*NodeResult, g.nodeCount())
		outputs = make(map[string]map[string]any, g.nodeCount())
	)

	record := func(res *NodeResult) {
		mu.Lock()
		results[res.NodeID] = res
		if res.Status == NodeCompleted {
			outputs[res.NodeID] = res.Outputs
		}
		mu.Unlock()
	}

	var stopErr error

	for _, level := range g.levels {
		if stopErr != nil {
			break
		}
		var wg sync.WaitGroup
		sem := make(chan struct{}, max(e.MaxParallel, 1))

		for _, id := range level {
			node := g.nodes[id]

			if err := ctx.Err(); err != nil {
				stopErr = err
				break
			}

			// Upstream failure or skip propagates without dispatch.
			mu.Lock()
			ready := true
			for _, dep := range g.predecessors(id) {
				if r := results[dep]; r == nil || r.Status != NodeCompleted {
					ready = false
					break
				}
			}
			mu.Unlock()
			if !ready {
				record(&NodeResult{NodeID: id, Status: NodeNotExecuted})
				continue
			}

			// The gate runs sequentially at dispatch points, never inside
			// the worker goroutines.
			if gate != nil {
				if err := gate(node); err != nil {
					stopErr = err
					break
				}
			}

			mu.Lock()
			inputs, inErr := resolveInputs(g, outputs, id)
			mu.Unlock()
			if inErr != nil {
				start := time.Now()
				obs.NodeStarted(ctx, node)
				res := &NodeResult{NodeID: id, Status: NodeFailed, Err: inErr, Duration: time.Since(start)}
				record(res)
				obs.NodeFinished(ctx, node, res)
				continue
			}

			if e.MaxParallel > 1 {
				wg.Add(1)
				sem <- struct{}{}
				obs.NodeStarted(ctx, node)
				go func(node *Node, inputs map[string]any) {
					defer wg.Done()
					defer func() { <-sem }()
					res := runNode(ctx, node, inputs, runner)
					record(res)
					obs.NodeFinished(ctx, node, res)
				}(node, inputs)
			} else {
				obs.NodeStarted(ctx, node)
				res := runNode(ctx, node, inputs, runner)
				record(res)
				obs.NodeFinished(ctx, node, res)
			}
		}
		// Already-started nodes always run to completion, even when the
		// gate or the context stopped the run mid-level.
		wg.Wait()
	}

	// Everything never dispatched is reported, so callers see one entry
	// per node regardless of how the run ended.
	for id := range g.nodes {
		if _, ok := results[id]; !ok {
			results[id] = &NodeResult{NodeID: id, Status: NodeNotExecuted}
		}
	}

	report := &RunReport{Results: results}
	for _, id := range g.leaves {
		if r := results[id]; r == nil || r.Status != NodeCompleted {
			report.Failed = true
			break
		}
	}
	return report, stopErr
}

func runNode(ctx context.Context, node *Node, inputs map[string]any, runner NodeRunner) *NodeResult {
	start := time.Now()
	out, err := runner(ctx, node, inputs)
	res := &NodeResult{NodeID: node.ID, Duration: time.Since(start)}
	if err != nil {
		res.Status = NodeFailed
		res.Err = err
		return res
	}
	if out == nil {
		out = map[string]any{}
	}
	res.Status = NodeCompleted
	res.Outputs = out
	return res
}

// resolveInputs materializes a node's input map from its incoming edges,
// ordered by to_input_index; a later index wins on port-name collision.
func resolveInputs(g *graph, outputs map[string]map[string]any, id string) (map[string]any, error) {
	in := make(map[string]any)
	for _, e := range g.inputs[id] {
		name, val, err := portAt(outputs[e.FromNodeID], e.FromOutputIndex)
		if err != nil {
			return nil, fmt.Errorf("node %q input %d from %q: %w", id, e.ToInputIndex, e.FromNodeID, err)
		}
		in[name] = val
	}
	return in, nil
}

// portAt selects an output port by index, with ports ordered by name.
func portAt(outputs map[string]any, index int) (string, any, error) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	if index >= len(names) {
		return "", nil, fmt.Errorf("output index %d out of range (%d ports)", index, len(names))
	}
	return names[index], outputs[names[index]], nil
}
