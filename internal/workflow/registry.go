package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
)

// Call is everything a handler receives besides the context: resolved
// inputs, node configuration, and the shared infrastructure so handlers
// may publish auxiliary events. The context carries cancellation and the
// correlation-scoped logger.
type Call struct {
	Node       *Node
	Inputs     map[string]any
	Properties map[string]any
	Infra      *infra.Infrastructure
}

// HandlerFunc executes one node. Outputs are keyed by port name.
// Handlers must be side-effect-aware: provider nodes are retried.
type HandlerFunc func(ctx context.Context, call Call) (map[string]any, error)

// Registry maps (category, type) to handlers. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func handlerKey(category Category, nodeType string) string {
	return fmt.Sprintf("%s/%s", category, nodeType)
}

// Register binds a handler, replacing any previous binding for the same
// (category, type).
func (r *Registry) Register(category Category, nodeType string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[handlerKey(category, nodeType)] = h
	r.mu.Unlock()
}

func (r *Registry) Get(category Category, nodeType string) (HandlerFunc, bool) {
	r.mu.RLock()
	h, ok := r.handlers[handlerKey(category, nodeType)]
	r.mu.RUnlock()
	return h, ok
}

// Registered lists the bound (category, type) keys, sorted.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
